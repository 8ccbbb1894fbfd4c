package ledger

// recomputeHash re-derives a record's identity hash from its stored fields.
func recomputeHash(r *Record) (string, error) {
	canonical, err := Canonicalize(r.Payload)
	if err != nil {
		return "", err
	}
	return ComputeHash(canonical, r.Salt, r.PrevHash)
}

// verifyOne checks a single record against its stored hash.
func verifyOne(r *Record) (*VerificationResult, error) {
	got, err := recomputeHash(r)
	if err != nil {
		return nil, err
	}
	if got != r.Hash {
		id := r.ID
		return &VerificationResult{Reason: ReasonHashMismatch, RecordID: &id, Checked: 1}, nil
	}
	return &VerificationResult{OK: true, Checked: 1}, nil
}

// verifyWalk checks an ordered run of records. prevHash is the hash the first
// record must link to: GenesisHash at the start of a partition, otherwise the
// recomputed hash of the record preceding the range. Verification stops at
// the first divergence; later records are untrustworthy from that point.
func verifyWalk(records []*Record, prevHash string) (*VerificationResult, error) {
	for i, r := range records {
		got, err := recomputeHash(r)
		if err != nil {
			return nil, err
		}
		if got != r.Hash {
			id := r.ID
			return &VerificationResult{Reason: ReasonHashMismatch, RecordID: &id, Checked: i + 1}, nil
		}
		if r.PrevHash != prevHash {
			id := r.ID
			return &VerificationResult{Reason: ReasonChainBreak, RecordID: &id, Checked: i + 1}, nil
		}
		prevHash = got
	}
	return &VerificationResult{OK: true, Checked: len(records)}, nil
}
