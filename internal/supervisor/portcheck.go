package supervisor

import (
	"net"
	"strconv"
	"time"
)

// PortOccupied reports whether something is already listening on
// 127.0.0.1:port, by attempting a short-lived TCP dial. Used at boot to
// satisfy spec §5's crash-recovery invariant: "any inherited listeners on
// configured ports must be detected and either adopted or reported as a
// hard error." gatewayd has no process handle for a listener it didn't
// spawn itself (and so cannot reap it later, per the termination guarantee
// of §4.1), so it always takes the "hard error" branch rather than
// adopting — see cmd/gatewayd/main.go's boot-time port scan.
func PortOccupied(port int) bool {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), 300*time.Millisecond)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
