package mesh

// IsPolite reports whether self yields to peer when both offer at once.
// The lexically smaller id is polite, so for distinct ids exactly one side
// of every pair is.
func IsPolite(self, peer string) bool {
	return self < peer
}
