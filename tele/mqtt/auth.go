package telemqtt

import (
	"crypto/subtle"
	"strings"

	"github.com/256dpi/gomqtt/packet"
)

type Role string

const (
	RoleInvalid   Role = ""
	RoleAll       Role = "_all"
	RoleAnonymous Role = "anonymous"
	RoleAdmin     Role = "admin"
	RoleMonitor   Role = "monitor"
)

// [a, b], b -> true
// [a, b], c -> false
// [_all], * -> true
func RoleListAllows(allows []string, client Role) bool {
	for _, a := range allows {
		if a == string(RoleAll) || a == string(client) {
			return true
		}
	}
	return false
}

type User struct {
	Password string `hcl:"password"`
	Role     Role   `hcl:"role"`
}

// Empty username means anonymous, allowed only if listener allows RoleAnonymous.
func (s *Server) authenticate(opt *ListenOptions, pkt *packet.Connect) Role {
	role := RoleAnonymous
	if pkt.Username != "" {
		u, ok := s.users[pkt.Username]
		if !ok || subtle.ConstantTimeCompare([]byte(u.Password), []byte(pkt.Password)) != 1 {
			return RoleInvalid
		}
		role = u.Role
	}
	if !RoleListAllows(opt.AllowRoles, role) {
		return RoleInvalid
	}
	return role
}

// System topics ($SYS/...) are visible to admin only, including through # wildcard.
func canSee(role Role, topic string) bool {
	return role == RoleAdmin || !strings.HasPrefix(topic, "$")
}
