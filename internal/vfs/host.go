package vfs

// Host is the driver's handle back into the vnode cache. Each mounted volume
// gets its own Host bound to its mount id.
type Host struct {
	s *State
	m *Mount
}

// MountID returns the id of the mount this host serves.
func (h *Host) MountID() MountID { return h.m.id }

// NewVnode reserves id with the driver's node. The vnode stays invisible to
// lookups until PublishVnode.
func (h *Host) NewVnode(id NodeID, node Node) error {
	return h.s.newVnode(h.m, id, node)
}

// PublishVnode exposes a reserved vnode, or creates and exposes one. The
// caller owns one reference afterwards.
func (h *Host) PublishVnode(id NodeID, node Node, typ NodeType) error {
	return h.s.publishVnode(h.m, id, node, typ)
}

// GetVnode takes a reference and returns the driver node.
func (h *Host) GetVnode(id NodeID) (Node, error) {
	v, err := h.s.getVnode(h.m, id)
	if err != nil {
		return nil, err
	}
	return v.node, nil
}

// PutVnode drops a reference taken by GetVnode or PublishVnode.
func (h *Host) PutVnode(id NodeID) error {
	h.s.vnodeMu.Lock()
	v := h.s.lookupVnode(VnodeKey{Mount: h.m.id, Node: id})
	h.s.vnodeMu.Unlock()
	if v == nil {
		return errNotFound(h.m.id, id)
	}
	h.s.PutVnode(v)
	return nil
}

// RemoveVnode marks id for deletion once its last reference goes away.
func (h *Host) RemoveVnode(id NodeID) error {
	return h.s.setVnodeRemoved(h.m, id, true)
}

// UnremoveVnode clears a pending removal.
func (h *Host) UnremoveVnode(id NodeID) error {
	return h.s.setVnodeRemoved(h.m, id, false)
}

// IsVnodeRemoved reports whether id is marked for deletion.
func (h *Host) IsVnodeRemoved(id NodeID) (bool, error) {
	return h.s.isVnodeRemoved(h.m, id)
}

// MarkVnodeBusy blocks or unblocks lookups of id.
func (h *Host) MarkVnodeBusy(id NodeID, busy bool) error {
	return h.s.markVnodeBusy(h.m, id, busy)
}

// ChangeVnodeID rekeys a cached vnode.
func (h *Host) ChangeVnodeID(oldID, newID NodeID) error {
	return h.s.changeVnodeID(h.m, oldID, newID)
}
