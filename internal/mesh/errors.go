package mesh

import "github.com/encark/fmtc/internal/wire"

var (
	// ErrClientOffline means no node hosts the client, or it is negatively cached.
	ErrClientOffline = &wire.Error{Code: wire.CodeClientOffline, Msg: "client offline"}
	// ErrRepeatConnect rejects a second registration of a node id.
	ErrRepeatConnect = &wire.Error{Code: wire.CodeRepeatConnect, Msg: "repeat connect"}
	// ErrDuplicateLogin rejects a session that lost the login precedence check.
	ErrDuplicateLogin = &wire.Error{Code: wire.CodeDuplicateLogin, Msg: "duplicate login"}
	// ErrHandshakeTimeout means a peer did not complete its join in time.
	ErrHandshakeTimeout = &wire.Error{Code: wire.CodeHandshakeTimeout, Msg: "peer handshake timeout"}
	// ErrAuthRejected means the delegate declined a client or peer.
	ErrAuthRejected = &wire.Error{Code: wire.CodeAuthRejected, Msg: "auth rejected"}
)
