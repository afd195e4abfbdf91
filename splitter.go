package batchq

// Split partitions entries into sub-batches that each satisfy the external
// queue service's limits: at most batchSizeCap entries and maxBatchBytes
// total payload bytes per sub-batch, greedily packed in input order so FIFO
// ordering is preserved both within and across sub-batches. Any entry whose
// own size exceeds maxEntryBytes can never fit in any batch; it is returned
// separately in oversized rather than silently dropped, so the caller can
// account for it and move on.
func Split(entries []Entry, maxEntryBytes, maxBatchBytes, batchSizeCap int) (batches [][]Entry, oversized []Entry) {
	if batchSizeCap <= 0 {
		batchSizeCap = sqsBatchSizeCap
	}

	var current []Entry
	currentBytes := 0

	flush := func() {
		if len(current) > 0 {
			batches = append(batches, current)
			current = nil
			currentBytes = 0
		}
	}

	for _, e := range entries {
		n := EntryBytes(e)
		if n > maxEntryBytes {
			oversized = append(oversized, e)
			continue
		}
		if len(current) >= batchSizeCap || currentBytes+n > maxBatchBytes {
			flush()
		}
		current = append(current, e)
		currentBytes += n
	}
	flush()

	return batches, oversized
}
