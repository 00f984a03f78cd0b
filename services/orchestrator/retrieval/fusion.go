// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package retrieval

import (
	"sort"

	"github.com/AleutianAI/AleutianMed/services/vectorstore"
)

// rrfK is the standard reciprocal-rank-fusion damping constant. Each
// chunk scores sum(1 / (rrfK + rank)) across every result list it
// appears in; ranking high in many lists wins.
const rrfK = 60

// searchModality tags which index produced a result list, so fusion can
// keep the best dense and sparse similarities separately.
type searchModality int

const (
	denseModality searchModality = iota
	sparseModality
)

// resultList is one ranked search output feeding the fusion.
type resultList struct {
	modality searchModality
	results  []vectorstore.SearchResult
}

// fuseRRF combines ranked result lists with reciprocal rank fusion.
//
// Duplicates (same chunk id) collapse into one entry, keeping the
// first-seen chunk payload and the best similarity per modality. The
// output is ordered by fused score descending with a deterministic chunk
// id tie-break, then truncated to limit. Rank fields are left unset; the
// caller assigns them after the final ordering.
func fuseRRF(lists []resultList, limit int) []RetrievedChunk {
	type accumulator struct {
		chunk       vectorstore.Chunk
		fusedScore  float64
		denseScore  float64
		sparseScore float64
	}

	byID := make(map[string]*accumulator)
	order := make([]string, 0)

	for _, list := range lists {
		for rank, res := range list.results {
			acc, seen := byID[res.Chunk.ID]
			if !seen {
				acc = &accumulator{chunk: res.Chunk}
				byID[res.Chunk.ID] = acc
				order = append(order, res.Chunk.ID)
			}
			acc.fusedScore += 1.0 / float64(rrfK+rank+1)
			switch list.modality {
			case denseModality:
				if res.Similarity > acc.denseScore {
					acc.denseScore = res.Similarity
				}
			case sparseModality:
				if res.Similarity > acc.sparseScore {
					acc.sparseScore = res.Similarity
				}
			}
		}
	}

	type fusedEntry struct {
		acc *accumulator
		id  string
	}
	fused := make([]fusedEntry, 0, len(order))
	for _, id := range order {
		fused = append(fused, fusedEntry{acc: byID[id], id: id})
	}
	sort.SliceStable(fused, func(i, j int) bool {
		if fused[i].acc.fusedScore != fused[j].acc.fusedScore {
			return fused[i].acc.fusedScore > fused[j].acc.fusedScore
		}
		return fused[i].id < fused[j].id
	})

	if limit > 0 && len(fused) > limit {
		fused = fused[:limit]
	}

	out := make([]RetrievedChunk, 0, len(fused))
	for _, f := range fused {
		out = append(out, RetrievedChunk{
			Chunk:       f.acc.chunk,
			DenseScore:  f.acc.denseScore,
			SparseScore: f.acc.sparseScore,
		})
	}
	return out
}
