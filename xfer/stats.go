package xfer

// SessionStats is an RLP-encodable snapshot of a session's bookkeeping
// counters, taken by the server handler at the end of each request,
// which RLP-encodes it and logs the encoded size — grounded on the
// teacher's Block header encoding
// (replication.go's Block.Hash, which RLP-encodes a header struct
// before hashing). Here RLP is used the same way the teacher uses it:
// a compact, self-describing encoding of a plain struct of fixed-width
// fields, not for hashing but for a stable snapshot representation.
type SessionStats struct {
	CardsSent  uint64
	CardsRecv  uint64
	FilesSent  uint64
	FilesRecv  uint64
	DeltasSent uint64
	DeltasRecv uint64
	IgotsSent  uint64
	IgotsRecv  uint64
	Errors     uint64
}

// Snapshot captures the session's current counters.
func (s *Session) Snapshot() SessionStats {
	return SessionStats{
		CardsSent:  uint64(s.CardsSent),
		CardsRecv:  uint64(s.CardsRecv),
		FilesSent:  uint64(s.FilesSent),
		FilesRecv:  uint64(s.FilesRecv),
		DeltasSent: uint64(s.DeltasSent),
		DeltasRecv: uint64(s.DeltasRecv),
		IgotsSent:  uint64(s.IgotsSent),
		IgotsRecv:  uint64(s.IgotsRecv),
		Errors:     uint64(len(s.Errors)),
	}
}
