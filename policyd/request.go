// Package policyd implements the Postfix SMTPD access policy daemon: the
// request protocol, the greylisting decision engine and the connection
// server.
package policyd

// A request as delegated by the SMTP server: an unordered mapping of
// attribute names to values. Only a handful of attributes are significant,
// everything else is accepted and ignored.
type Request struct {
	Attrs map[string]string
}

// The attributes the decision engine depends on.
const (
	attrRequest       = "request"
	attrClientAddress = "client_address"
	attrClientName    = "client_name"
	attrSender        = "sender"
	attrRecipient     = "recipient"
)

// expectedRequest is the only request type this daemon answers.
const expectedRequest = "smtpd_access_policy"

func (r *Request) ClientAddress() string { return r.Attrs[attrClientAddress] }
func (r *Request) ClientName() string    { return r.Attrs[attrClientName] }
func (r *Request) Sender() string        { return r.Attrs[attrSender] }
func (r *Request) Recipient() string     { return r.Attrs[attrRecipient] }

// Valid reports whether this is an smtpd_access_policy request with all
// significant attributes present and non-empty.
func (r *Request) Valid() bool {
	if r.Attrs[attrRequest] != expectedRequest {
		return false
	}
	for _, a := range []string{attrClientAddress, attrClientName, attrSender, attrRecipient} {
		if r.Attrs[a] == "" {
			return false
		}
	}
	return true
}
