package dconn

// ChangeStream is a single-writer, many-reader linked list of [Change] values.
//
// Readers wait on Ready, then read Val and advance to Next.
// A reader that stops advancing pins every later node in memory,
// so long-lived readers must keep consuming.
type ChangeStream struct {
	Ready chan struct{}
	Next  *ChangeStream
	Val   Change
}

// NewChangeStream returns an unpublished stream head.
func NewChangeStream() *ChangeStream {
	return &ChangeStream{
		Ready: make(chan struct{}),
	}
}

// Publish sets s.Val, allocates s.Next, and closes s.Ready.
// It returns s.Next so the writer can keep appending.
//
// Publishing twice on the same node panics.
func (s *ChangeStream) Publish(c Change) *ChangeStream {
	s.Val = c
	s.Next = NewChangeStream()
	close(s.Ready)
	return s.Next
}
