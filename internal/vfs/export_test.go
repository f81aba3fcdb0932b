package vfs

// Cached reports whether v is the vnode the identity index holds for its key.
func (s *State) Cached(v *Vnode) bool {
	s.vnodeMu.Lock()
	defer s.vnodeMu.Unlock()
	return s.vnodes[v.key] == v
}
