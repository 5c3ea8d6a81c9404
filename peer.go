package msgsock

import (
	"net"
	"strconv"
)

// PeerID identifies one endpoint of a connection by host and port.
// It is comparable and is used as the registry key and as the tag on queue entries.
type PeerID struct {
	Host string
	Port int
}

// PeerIDFromAddr builds a PeerID from a network address.
func PeerIDFromAddr(addr net.Addr) PeerID {
	switch a := addr.(type) {
	case *net.TCPAddr:
		if a == nil {
			return PeerID{}
		}
		return PeerID{Host: a.IP.String(), Port: a.Port}
	case nil:
		return PeerID{}
	}

	host, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return PeerID{Host: addr.String()}
	}
	p, _ := strconv.Atoi(port)
	return PeerID{Host: host, Port: p}
}

func (p PeerID) String() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}
