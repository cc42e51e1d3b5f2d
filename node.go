package mesh

import (
	"github.com/google/uuid"
)

// ModelID identifies a SIG model (16-bit) or a vendor model (company<<16 | id).
type ModelID uint32

func SIGModel(id uint16) ModelID { return ModelID(id) }

func VendorModel(company, id uint16) ModelID {
	return ModelID(uint32(company)<<16 | uint32(id))
}

// Publication describes where a model publishes its status messages.
type Publication struct {
	Address  Address
	Label    *uuid.UUID
	AppKey   KeyIndex
	TTL      uint8
	Period   uint8
	Transmit uint8
}

type Model struct {
	ID            ModelID
	Vendor        bool
	AppKeys       []KeyIndex
	Subscriptions []Address
	Labels        []uuid.UUID
	Publication   *Publication
}

// BoundTo reports whether the model is bound to the given AppKey index.
func (m *Model) BoundTo(idx KeyIndex) bool {
	for _, k := range m.AppKeys {
		if k == idx {
			return true
		}
	}
	return false
}

type Element struct {
	Location uint16
	Models   []Model
}

// Node is a provisioned node. Address is the unicast address of the primary
// element; element i answers on Address+i.
type Node struct {
	Name          string
	UUID          uuid.UUID
	Address       Address
	DeviceKey     []byte
	Elements      []Element
	NetKeyIndexes []KeyIndex
	AppKeyIndexes []KeyIndex
}

// ElementCount is never less than one.
func (n *Node) ElementCount() int {
	if len(n.Elements) == 0 {
		return 1
	}
	return len(n.Elements)
}

// LastAddress is the unicast address of the node's last element.
func (n *Node) LastAddress() Address {
	return n.Address + Address(n.ElementCount()-1)
}

// Owns reports whether addr is one of the node's element addresses.
func (n *Node) Owns(addr Address) bool {
	return addr >= n.Address && addr <= n.LastAddress()
}

// Overlaps reports whether the element ranges of n and o intersect.
func (n *Node) Overlaps(o *Node) bool {
	return n.Address <= o.LastAddress() && o.Address <= n.LastAddress()
}

// Subscribed reports whether any model on the node listens on addr.
func (n *Node) Subscribed(addr Address) bool {
	for _, e := range n.Elements {
		for _, m := range e.Models {
			for _, s := range m.Subscriptions {
				if s == addr {
					return true
				}
			}
		}
	}
	return false
}

// LabelsFor returns the label UUIDs the node is subscribed to that hash to
// the given virtual address.
func (n *Node) LabelsFor(virtual Address, hash func(uuid.UUID) Address) []uuid.UUID {
	var out []uuid.UUID
	seen := map[uuid.UUID]bool{}
	for _, e := range n.Elements {
		for _, m := range e.Models {
			for _, l := range m.Labels {
				if !seen[l] && hash(l) == virtual {
					seen[l] = true
					out = append(out, l)
				}
			}
		}
	}
	return out
}
