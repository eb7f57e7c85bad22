package protocol

// TunnelType names the kind of local service an agent advertises.
type TunnelType string

const (
	TunnelHTTP TunnelType = "http"
	TunnelTCP  TunnelType = "tcp"
)

// IPFilterSpec is the wire form of a tunnel's allow/deny CIDR lists, carried
// on the advertisement and parsed by lib/ipfilter.
type IPFilterSpec struct {
	Allow []string `json:"allow,omitempty"`
	Deny  []string `json:"deny,omitempty"`
}

// Advertisement is the agent's first text control message, declaring the
// tunnel it wants the relay to expose.
type Advertisement struct {
	Subdomain string        `json:"subdomain,omitempty"`
	Type      TunnelType    `json:"type"`
	LocalPort uint16        `json:"local_port"`
	Name      string        `json:"name,omitempty"`
	IPFilter  *IPFilterSpec `json:"ip_filter,omitempty"`
}

// Acknowledgement is the relay's reply to a successfully (or not)
// processed Advertisement.
type Acknowledgement struct {
	Success    bool   `json:"success"`
	Subdomain  string `json:"subdomain,omitempty"`
	URL        string `json:"url,omitempty"`
	Reassigned bool   `json:"reassigned"`
	Error      string `json:"error,omitempty"`
}
