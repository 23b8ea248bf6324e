package filter

import (
	"context"
	"fmt"

	"github.com/boypt/simple-spider/shared"
)

// Index is the part of the store a cleanup scan needs.
type Index interface {
	Iterate(ctx context.Context, fn func(*shared.Torrent) error) error
	Delete(ctx context.Context, ihs ...shared.InfoHash) (int, error)
}

type Rejection struct {
	InfoHash shared.InfoHash `json:"infoHash"`
	Name     string          `json:"name"`
	Reason   Reason          `json:"reason"`
}

type CleanupReport struct {
	Executed bool           `json:"executed"`
	Scanned  int            `json:"scanned"`
	Found    int            `json:"found"`
	Deleted  int            `json:"deleted"`
	ByReason map[Reason]int `json:"byReason"`
	Rejected []Rejection    `json:"rejected"`
}

// Cleanup re-evaluates every stored record against rules. In dry-run mode
// (execute false) nothing is modified; otherwise exactly the rejected
// records are deleted.
func Cleanup(ctx context.Context, idx Index, rules *Rules, execute bool) (*CleanupReport, error) {
	rep := &CleanupReport{
		Executed: execute,
		ByReason: map[Reason]int{},
	}
	err := idx.Iterate(ctx, func(t *shared.Torrent) error {
		rep.Scanned++
		d := rules.Evaluate(t)
		if d.Accepted {
			return nil
		}
		rep.Found++
		rep.ByReason[d.Reason]++
		rep.Rejected = append(rep.Rejected, Rejection{InfoHash: t.InfoHash, Name: t.Name, Reason: d.Reason})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("cleanup scan: %w", err)
	}
	if !execute || rep.Found == 0 {
		return rep, nil
	}
	ihs := make([]shared.InfoHash, 0, len(rep.Rejected))
	for _, r := range rep.Rejected {
		ihs = append(ihs, r.InfoHash)
	}
	n, err := idx.Delete(ctx, ihs...)
	rep.Deleted = n
	if err != nil {
		return rep, fmt.Errorf("cleanup delete: %w", err)
	}
	return rep, nil
}
