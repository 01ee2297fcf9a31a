package recordsigner

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/ILLUVRSE/certledger/internal/hashengine"
	"github.com/ILLUVRSE/certledger/internal/models"
)

// Fork is a previous hash claimed by more than one record in the same stream.
type Fork struct {
	Stream       string   `json:"stream"`
	PreviousHash string   `json:"previousHash"`
	RecordIDs    []string `json:"recordIds"`
}

// Orphan is a record whose previous hash matches no record in its stream.
type Orphan struct {
	Stream       string `json:"stream"`
	RecordID     string `json:"recordId"`
	PreviousHash string `json:"previousHash"`
}

// InvalidRecord is a record that failed hash or signature verification.
type InvalidRecord struct {
	Stream   string                    `json:"stream"`
	RecordID string                    `json:"recordId"`
	Result   models.VerificationResult `json:"result"`
	Problems []string                  `json:"problems"`
}

// StreamSummary describes one audited stream.
type StreamSummary struct {
	Stream string `json:"stream"`
	Length int    `json:"length"`
	// Head is the hash of the last record when the stream is a single linear chain.
	Head string `json:"head,omitempty"`
}

// ChainReport is the outcome of a full chain audit.
type ChainReport struct {
	Valid      bool            `json:"valid"`
	Streams    []StreamSummary `json:"streams"`
	Forks      []Fork          `json:"forks,omitempty"`
	Orphans    []Orphan        `json:"orphans,omitempty"`
	Invalid    []InvalidRecord `json:"invalid,omitempty"`
	Duplicates []string        `json:"duplicates,omitempty"`
}

// AuditOptions tune AuditChain.
type AuditOptions struct {
	// PublicKeyPEM verifies every signature against this key instead of the managed
	// key versions.
	PublicKeyPEM string
}

// AuditChain checks a set of records, in any order, as per-stream hash chains. Every
// record is verified against the hash of the record it claims to follow, never only
// against its own embedded link. A fork (two records claiming the same predecessor) is
// reported, not resolved.
func (s *Signer) AuditChain(ctx context.Context, records []models.Record, opts AuditOptions) (ChainReport, error) {
	byStream := make(map[string][]models.Record)
	var streams []string
	for _, r := range records {
		if _, ok := byStream[r.Stream]; !ok {
			streams = append(streams, r.Stream)
		}
		byStream[r.Stream] = append(byStream[r.Stream], r)
	}
	sort.Strings(streams)

	report := ChainReport{Streams: make([]StreamSummary, 0, len(streams))}
	for _, stream := range streams {
		if err := s.auditStream(ctx, stream, byStream[stream], opts, &report); err != nil {
			return ChainReport{}, err
		}
	}
	report.Valid = len(report.Forks) == 0 && len(report.Orphans) == 0 &&
		len(report.Invalid) == 0 && len(report.Duplicates) == 0
	return report, nil
}

func (s *Signer) auditStream(ctx context.Context, stream string, records []models.Record, opts AuditOptions, report *ChainReport) error {
	known := make(map[string]bool, len(records))
	children := make(map[string][]string)
	seenIDs := make(map[string]bool, len(records))

	for _, r := range records {
		if seenIDs[r.ID] {
			report.Duplicates = append(report.Duplicates, fmt.Sprintf("%s/%s", stream, r.ID))
		}
		seenIDs[r.ID] = true
		if r.Hash != "" {
			known[strings.ToLower(r.Hash)] = true
		}
		children[previousOf(r)] = append(children[previousOf(r)], r.ID)
	}

	for _, r := range records {
		prev := previousOf(r)
		if prev != hashengine.GenesisHash && !known[prev] {
			report.Orphans = append(report.Orphans, Orphan{Stream: stream, RecordID: r.ID, PreviousHash: prev})
		}
		res, err := s.VerifyRecord(ctx, r, VerifyOptions{PreviousHash: prev, PublicKeyPEM: opts.PublicKeyPEM})
		if err != nil {
			return fmt.Errorf("audit stream %q: %w", stream, err)
		}
		if !res.Valid {
			report.Invalid = append(report.Invalid, InvalidRecord{
				Stream:   stream,
				RecordID: r.ID,
				Result:   res,
				Problems: res.Problems(),
			})
		}
	}

	prevs := make([]string, 0, len(children))
	for prev := range children {
		prevs = append(prevs, prev)
	}
	sort.Strings(prevs)
	forked := false
	for _, prev := range prevs {
		ids := children[prev]
		if len(ids) > 1 {
			forked = true
			sorted := append([]string(nil), ids...)
			sort.Strings(sorted)
			report.Forks = append(report.Forks, Fork{Stream: stream, PreviousHash: prev, RecordIDs: sorted})
		}
	}

	summary := StreamSummary{Stream: stream, Length: len(records)}
	if !forked {
		summary.Head = walkHead(records)
	}
	report.Streams = append(report.Streams, summary)
	return nil
}

// walkHead follows the chain from genesis and returns the last hash reached.
func walkHead(records []models.Record) string {
	next := make(map[string]string, len(records))
	for _, r := range records {
		next[previousOf(r)] = strings.ToLower(r.Hash)
	}
	head := ""
	cur := hashengine.GenesisHash
	for i := 0; i <= len(records); i++ {
		h, ok := next[cur]
		if !ok {
			break
		}
		head, cur = h, h
	}
	return head
}

func previousOf(r models.Record) string {
	if r.PreviousHash == "" {
		return hashengine.GenesisHash
	}
	return strings.ToLower(r.PreviousHash)
}
