package pageio

// PageTransform converts raw on-disk page bytes into the form upper
// layers see. Transform reads raw, writes the logical page into dst
// (len(dst) == page size), and returns the slice holding the result —
// either dst or raw when no work was needed.
//
// Transforms never touch the first 16 bytes of page 1: the magic string
// must stay readable so a database can be identified before any key
// material is available.
type PageTransform interface {
	Transform(pgno uint32, raw, dst []byte) ([]byte, error)
}

// IdentityTransform passes pages through untouched.
type IdentityTransform struct{}

// Transform returns raw unchanged.
func (IdentityTransform) Transform(pgno uint32, raw, dst []byte) ([]byte, error) {
	return raw, nil
}

// Refresher is implemented by sources whose size can change underneath
// them; wrappers propagate the refresh down the chain.
type Refresher interface {
	Refresh() error
}

// Refresh propagates to the inner source.
func (s *TransformedSource) Refresh() error {
	if r, ok := s.inner.(Refresher); ok {
		return r.Refresh()
	}
	return nil
}
