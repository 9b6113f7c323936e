package api

import (
	"cmp"
	"encoding/json"
	"net/http"
	"slices"
	"time"

	"github.com/gorilla/mux"

	"github.com/xtxerr/bandwatch/internal/errors"
	"github.com/xtxerr/bandwatch/internal/storage/enrich"
	"github.com/xtxerr/bandwatch/internal/storage/query"
	"github.com/xtxerr/bandwatch/internal/storage/types"
)

// defaultWindow is the query window when from is omitted.
const defaultWindow = time.Hour

// IngestResponse reports per-record outcomes of one batch.
type IngestResponse struct {
	Accepted int           `json:"accepted"`
	Rejected int           `json:"rejected"`
	Errors   []RecordError `json:"errors,omitempty"`
}

// RecordError is the failure of the record at Index.
type RecordError struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	dim, err := types.ParseDimension(mux.Vars(r)["dimension"])
	if err != nil {
		respondError(w, errors.NewInvalidValue("dimension", mux.Vars(r)["dimension"], "unknown dimension"))
		return
	}

	var raw []json.RawMessage
	if err := decodeJSON(r, &raw); err != nil {
		respondError(w, err)
		return
	}

	// Records decode one by one, so a malformed element is rejected alone.
	// Unknown fields inside a record are ignored.
	var resp IngestResponse
	records := make([]enrich.Record, 0, len(raw))
	index := make([]int, 0, len(raw))
	for i, msg := range raw {
		var rec enrich.Record
		if err := json.Unmarshal(msg, &rec); err != nil {
			resp.Rejected++
			resp.Errors = append(resp.Errors, RecordError{
				Index: i,
				Error: errors.NewValidation("record", err.Error()).Error(),
			})
			continue
		}
		records = append(records, rec)
		index = append(index, i)
	}

	batch := s.deps.Enricher.EnrichBatch(dim, records)
	res := s.deps.Ingester.Ingest(r.Context(), batch)

	resp.Accepted += res.Accepted
	resp.Rejected += res.Rejected
	for _, o := range res.Errors() {
		resp.Errors = append(resp.Errors, RecordError{Index: index[o.Index], Error: o.Err.Error()})
	}
	slices.SortFunc(resp.Errors, func(a, b RecordError) int { return cmp.Compare(a.Index, b.Index) })

	status := http.StatusOK
	if resp.Accepted == 0 && resp.Rejected > 0 {
		status = http.StatusBadRequest
	}
	respondJSON(w, status, resp)
}

// window parses from and to, defaulting to the last hour.
func (s *Server) window(p *params) (time.Time, time.Time) {
	to := p.at("to", s.deps.Now().UTC())
	from := p.at("from", to.Add(-defaultWindow))
	return from, to
}

func (p *params) dimension() types.Dimension {
	raw := p.required("dimension")
	if raw == "" {
		return 0
	}
	dim, err := types.ParseDimension(raw)
	if err != nil {
		p.errs.AddField("dimension", "unknown dimension")
	}
	return dim
}

func (s *Server) handleSamples(w http.ResponseWriter, r *http.Request) {
	p := queryParams(r)
	q := query.SampleQuery{
		Dimension: p.dimension(),
		DeviceID:  p.str("device"),
		Key:       p.str("key"),
		SubKey:    p.str("sub_key"),
		Limit:     p.num("limit", 0),
	}
	q.From, q.To = s.window(p)
	if err := p.err(); err != nil {
		respondError(w, err)
		return
	}

	samples, err := s.deps.Query.Samples(r.Context(), q)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, samples)
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	p := queryParams(r)
	dim := p.dimension()
	device := p.required("device")
	key := p.str("key")
	if dim == types.DimensionDeviceHealth && key == "" {
		key = types.DeviceHealthKey
	}
	subKey := p.str("sub_key")
	if err := p.err(); err != nil {
		respondError(w, err)
		return
	}

	smp, err := s.deps.Query.Latest(r.Context(), dim, device, key, subKey)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, smp)
}

func (s *Server) handleRollups(w http.ResponseWriter, r *http.Request) {
	p := queryParams(r)
	q := query.RollupQuery{
		Dimension: p.dimension(),
		DeviceID:  p.str("device"),
		Key:       p.str("key"),
		SubKey:    p.str("sub_key"),
		Limit:     p.num("limit", 0),
	}
	q.From, q.To = s.window(p)
	if err := p.err(); err != nil {
		respondError(w, err)
		return
	}

	rows, err := s.deps.Query.Rollups(r.Context(), q)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rows)
}

func (s *Server) handleTopN(w http.ResponseWriter, r *http.Request) {
	p := queryParams(r)
	q := query.TopNQuery{
		Dimension: p.dimension(),
		DeviceID:  p.str("device"),
		SubKey:    p.str("sub_key"),
		Field:     p.str("field"),
		Limit:     p.num("limit", 0),
	}
	if q.Field == "" {
		q.Field = types.FieldBytesTotal
	}
	switch p.str("kind") {
	case "", "raw":
		q.Kind = types.KindRaw
	case "hourly":
		q.Kind = types.KindHourly
	default:
		p.errs.AddField("kind", "must be raw or hourly")
	}
	q.From, q.To = s.window(p)
	if err := p.err(); err != nil {
		respondError(w, err)
		return
	}

	entries, err := s.deps.Query.TopN(r.Context(), q)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, entries)
}
