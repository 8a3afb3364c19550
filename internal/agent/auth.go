package agent

// AllowedRecipients returns the set of agents the given agent may address
// with sendMessage:
//
//	shogun    -> king, karou
//	karou     -> shogun, every ashigaru
//	ashigaruN -> karou, every other ashigaru
//
// The king is a human endpoint and never sends through a runtime, so it
// has no entry here.
func AllowedRecipients(id ID, ashigaru []ID) []ID {
	switch id.Role() {
	case RoleShogun:
		return []ID{King, Karou}
	case RoleKarou:
		out := make([]ID, 0, len(ashigaru)+1)
		out = append(out, Shogun)
		out = append(out, ashigaru...)
		return out
	case RoleAshigaru:
		out := make([]ID, 0, len(ashigaru))
		out = append(out, Karou)
		for _, a := range ashigaru {
			if a != id {
				out = append(out, a)
			}
		}
		return out
	default:
		return nil
	}
}

// CanSend reports whether from may address to with sendMessage.
func CanSend(from, to ID, ashigaru []ID) bool {
	for _, allowed := range AllowedRecipients(from, ashigaru) {
		if allowed == to {
			return true
		}
	}
	return false
}

// CanInterrupt reports whether from may interrupt to. Interrupt authority
// is limited to the direct subordinate: shogun over karou, karou over any
// ashigaru.
func CanInterrupt(from, to ID) bool {
	switch from.Role() {
	case RoleShogun:
		return to == Karou
	case RoleKarou:
		_, ok := to.AshigaruIndex()
		return ok
	default:
		return false
	}
}

// DefaultSuperior returns the agent that receives tool-less auto-replies:
// shogun reports to the king, karou to the shogun, ashigaru to the karou.
func DefaultSuperior(id ID) (ID, bool) {
	switch id.Role() {
	case RoleShogun:
		return King, true
	case RoleKarou:
		return Shogun, true
	case RoleAshigaru:
		return Karou, true
	default:
		return "", false
	}
}
