package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/polyhft/internal/domain"
)

const jsonlContentType = "application/x-ndjson"

// snapshotRecord is the archived JSON shape of one market snapshot.
type snapshotRecord struct {
	TokenID          string  `json:"token_id"`
	MarketID         string  `json:"market_id"`
	Asset            string  `json:"asset"`
	Outcome          string  `json:"outcome"`
	Strike           float64 `json:"strike"`
	BestBid          float64 `json:"best_bid"`
	BestAsk          float64 `json:"best_ask"`
	Mid              float64 `json:"mid"`
	SpreadPct        float64 `json:"spread_pct"`
	ComplementMid    float64 `json:"complement_mid"`
	OraclePrice      float64 `json:"oracle_price"`
	FairProb         float64 `json:"fair_prob"`
	Edge             float64 `json:"edge"`
	MinutesSinceOpen float64 `json:"minutes_since_open"`
	MinutesLeft      float64 `json:"minutes_left"`
	Time             string  `json:"time"`
}

func toRecord(s domain.MarketSnapshot) snapshotRecord {
	return snapshotRecord{
		TokenID:          s.TokenID,
		MarketID:         s.MarketID,
		Asset:            s.Asset,
		Outcome:          string(s.Outcome),
		Strike:           s.Strike,
		BestBid:          s.BestBid,
		BestAsk:          s.BestAsk,
		Mid:              s.Mid,
		SpreadPct:        s.SpreadPct,
		ComplementMid:    s.ComplementMid,
		OraclePrice:      s.OraclePrice,
		FairProb:         s.FairProb,
		Edge:             s.Edge,
		MinutesSinceOpen: s.MinutesSinceOpen,
		MinutesLeft:      s.MinutesUntilResolution,
		Time:             s.Time.UTC().Format(time.RFC3339Nano),
	}
}

// SnapshotArchiver implements domain.SnapshotArchiver by uploading each
// batch as one JSONL object, partitioned by UTC date.
type SnapshotArchiver struct {
	writer BlobWriter
	prefix string
	now    func() time.Time
}

var _ domain.SnapshotArchiver = (*SnapshotArchiver)(nil)

// NewSnapshotArchiver creates an archiver writing under prefix.
func NewSnapshotArchiver(w BlobWriter, prefix string) *SnapshotArchiver {
	return &SnapshotArchiver{writer: w, prefix: prefix, now: time.Now}
}

// Archive uploads snaps and returns the object key. Batches above the
// multipart threshold go through the upload manager.
func (a *SnapshotArchiver) Archive(ctx context.Context, snaps []domain.MarketSnapshot) (string, error) {
	if len(snaps) == 0 {
		return "", nil
	}
	buf, err := marshalJSONL(snaps)
	if err != nil {
		return "", fmt.Errorf("s3blob: archive snapshots marshal: %w", err)
	}

	key := archiveKey(a.prefix, a.now())
	if int64(len(buf)) > minPartSize {
		err = a.writer.PutMultipart(ctx, key, bytes.NewReader(buf), jsonlContentType, minPartSize)
	} else {
		err = a.writer.Put(ctx, key, bytes.NewReader(buf), jsonlContentType)
	}
	if err != nil {
		return "", fmt.Errorf("s3blob: archive snapshots upload: %w", err)
	}
	return key, nil
}

// archiveKey builds the object key for a batch written at t.
//
//	snapshots/2026/10/17/120000-1a2b3c4d.jsonl
func archiveKey(prefix string, t time.Time) string {
	t = t.UTC()
	name := fmt.Sprintf("%s-%s.jsonl", t.Format("150405"), uuid.NewString()[:8])
	return path.Join(prefix, t.Format("2006/01/02"), name)
}

// marshalJSONL encodes one JSON object per line.
func marshalJSONL(snaps []domain.MarketSnapshot) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, s := range snaps {
		if err := enc.Encode(toRecord(s)); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}
