// Structure of the Relay wire packet.

package entity

// Packet is one decoded client frame. Optional string fields are empty when absent.
type Packet struct {
	Cmd      string      `json:"cmd"`
	Val      interface{} `json:"val"`
	ID       string      `json:"id,omitempty"`
	Name     string      `json:"name,omitempty"`
	Origin   string      `json:"origin,omitempty"`
	Listener string      `json:"listener,omitempty"`
}

// Root commands are emitted top-level to v0 clients too.
const (
	CmdStatus = "statuscode"
	CmdUlist  = "ulist"
	CmdPmsg   = "pmsg"
	CmdPvar   = "pvar"
	CmdDirect = "direct"
	CmdGmsg   = "gmsg"
	CmdPing   = "ping"
)

// Protocol versions understood by the gateway.
const (
	ProtoV0 = 0
	ProtoV1 = 1
)
