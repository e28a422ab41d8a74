package mcp

// LatestProtocolVersion is the newest protocol revision the gateway speaks.
const LatestProtocolVersion = "2025-06-18"

var supportedProtocolVersions = map[string]struct{}{
	"2024-11-05":          {},
	"2025-03-26":          {},
	LatestProtocolVersion: {},
}

// NegotiateProtocolVersion returns requested when supported, otherwise the
// latest version the gateway speaks.
func NegotiateProtocolVersion(requested string) string {
	if _, ok := supportedProtocolVersions[requested]; ok {
		return requested
	}
	return LatestProtocolVersion
}

// ClientCapabilities advertises client features.
type ClientCapabilities struct {
	Roots *struct {
		ListChanged bool `json:"listChanged"`
	} `json:"roots,omitempty"`
	Sampling    *struct{} `json:"sampling,omitempty"`
	Elicitation *struct{} `json:"elicitation,omitempty"`
}

// ListChangedCapability is the shape shared by list-style server capabilities.
type ListChangedCapability struct {
	ListChanged bool `json:"listChanged,omitzero"`
}

// ServerCapabilities advertises server features.
type ServerCapabilities struct {
	Tools     *ListChangedCapability `json:"tools,omitempty"`
	Resources *ListChangedCapability `json:"resources,omitempty"`
	Prompts   *ListChangedCapability `json:"prompts,omitempty"`
}

// ImplementationInfo describes the implementation name and version.
type ImplementationInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Title   string `json:"title,omitzero"`
}

// ContentBlock is a typed content part of a tool result.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitzero"`
}

// TextContent builds a text content block.
func TextContent(text string) ContentBlock {
	return ContentBlock{Type: "text", Text: text}
}
