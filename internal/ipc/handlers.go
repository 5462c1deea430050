package ipc

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/ccBitTorrent/ccbt-sub001/internal/ccerr"
	"github.com/ccBitTorrent/ccbt-sub001/internal/metainfo"
	"github.com/ccBitTorrent/ccbt-sub001/internal/picker"
	"github.com/ccBitTorrent/ccbt-sub001/internal/torrentsession"
)

// envelope is the response shape every IPC endpoint replies with.
type envelope struct {
	Success bool `json:"success"`
	Data interface{} `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

func readAndRestoreBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, ccerr.Validation("ipc.readBody", err)
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Success: true, Data: data})
}

// respondError maps a taxonomy-tagged error to an HTTP status
// and writes the failure envelope.
func respondError(w http.ResponseWriter, status int, err error) {
	if status == 0 {
		status = statusForError(err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Success: false, Error: err.Error()})
}

func statusForError(err error) int {
	switch {
	case ccerr.Is(err, ccerr.KindValidation):
		return http.StatusBadRequest
	case ccerr.Is(err, ccerr.KindSecurity):
		return http.StatusUnauthorized
	case ccerr.Is(err, ccerr.KindResource):
		return http.StatusServiceUnavailable
	case errors.Is(err, ccerr.ErrInvalidSignature), errors.Is(err, ccerr.ErrReplay):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

type statusResponse struct {
	Torrents []torrentStatus `json:"torrents"`
}

type torrentStatus struct {
	InfoHash string `json:"info_hash"`
	Status string `json:"status"`
	Progress float64 `json:"progress"`
	PeerCount int `json:"peer_count"`
	Uploaded int64 `json:"uploaded"`
	Downloaded int64 `json:"downloaded"`
}

func toTorrentStatus(ts *torrentsession.Session) torrentStatus {
	st := ts.Stats()
	return torrentStatus{
		InfoHash: ts.InfoHash().String(),
		Status: string(st.Status),
		Progress: st.Progress,
		PeerCount: st.PeerCount,
		Uploaded: st.Uploaded,
		Downloaded: st.Downloaded,
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	list := s.deps.Manager.List()
	out := make([]torrentStatus, 0, len(list))
	for _, ts := range list {
		out = append(out, toTorrentStatus(ts))
	}
	respondJSON(w, http.StatusOK, statusResponse{Torrents: out})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	s.handleStatus(w, r)
}

type addRequest struct {
	MagnetURI string `json:"magnet_uri"`
	TorrentB64 string `json:"torrent_base64"`
}

func (s *Server) handleAdd(w http.ResponseWriter, r *http.Request) {
	var req addRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, ccerr.Validation("ipc.handleAdd", err))
		return
	}

	var ts *torrentsession.Session
	switch {
	case req.MagnetURI != "":
		mg, err := metainfo.ParseMagnet(req.MagnetURI)
		if err != nil {
			respondError(w, http.StatusBadRequest, ccerr.Validation("ipc.handleAdd", err))
			return
		}
		ts = s.deps.NewFromMagnet(mg)
	case req.TorrentB64 != "":
		raw, err := base64.StdEncoding.DecodeString(req.TorrentB64)
		if err != nil {
			respondError(w, http.StatusBadRequest, ccerr.Validation("ipc.handleAdd", err))
			return
		}
		mi, err := metainfo.Parse(bytes.NewReader(raw))
		if err != nil {
			respondError(w, http.StatusBadRequest, ccerr.Validation("ipc.handleAdd", err))
			return
		}
		ts, err = s.deps.NewFromMetaInfo(mi)
		if err != nil {
			respondError(w, 0, err)
			return
		}
	default:
		respondError(w, http.StatusBadRequest, ccerr.Validation("ipc.handleAdd", errNoTorrentSource))
		return
	}

	s.deps.Manager.Add(ts)
	if err := ts.Start(r.Context()); err != nil {
		respondError(w, 0, err)
		return
	}
	s.BroadcastEvent("torrent_added", toTorrentStatus(ts))
	respondJSON(w, http.StatusCreated, toTorrentStatus(ts))
}

var errNoTorrentSource = errors.New("request must include magnet_uri or torrent_base64")

func (s *Server) lookupFromRequest(w http.ResponseWriter, r *http.Request) (*torrentsession.Session, bool) {
	ih, err := infoHashFromVars(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return nil, false
	}
	ts, ok := s.deps.Manager.Get(ih)
	if !ok {
		respondError(w, http.StatusNotFound, ccerr.Validation("ipc.lookup", errTorrentNotFound))
		return nil, false
	}
	return ts, true
}

var errTorrentNotFound = errors.New("no such torrent")

type infoHashRequest struct {
	InfoHash string `json:"info_hash"`
}

func (s *Server) lookupFromBody(w http.ResponseWriter, r *http.Request) (*torrentsession.Session, bool) {
	var req infoHashRequest
	body, _ := readAndRestoreBody(r)
	if err := json.Unmarshal(body, &req); err != nil {
		respondError(w, http.StatusBadRequest, ccerr.Validation("ipc.lookupFromBody", err))
		return nil, false
	}
	ih, err := metainfo.InfoHashFromHex(req.InfoHash)
	if err != nil {
		respondError(w, http.StatusBadRequest, ccerr.Validation("ipc.lookupFromBody", err))
		return nil, false
	}
	ts, ok := s.deps.Manager.Get(ih)
	if !ok {
		respondError(w, http.StatusNotFound, ccerr.Validation("ipc.lookupFromBody", errTorrentNotFound))
		return nil, false
	}
	return ts, true
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	ts, ok := s.lookupFromBody(w, r)
	if !ok {
		return
	}
	ts.Stop()
	s.deps.Manager.Remove(ts.InfoHash())
	s.BroadcastEvent("torrent_removed", map[string]string{"info_hash": ts.InfoHash().String()})
	respondJSON(w, http.StatusOK, map[string]bool{"removed": true})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	ts, ok := s.lookupFromBody(w, r)
	if !ok {
		return
	}
	ts.Pause()
	s.BroadcastEvent("torrent_paused", toTorrentStatus(ts))
	respondJSON(w, http.StatusOK, toTorrentStatus(ts))
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	ts, ok := s.lookupFromBody(w, r)
	if !ok {
		return
	}
	ts.Resume(r.Context())
	s.BroadcastEvent("torrent_resumed", toTorrentStatus(ts))
	respondJSON(w, http.StatusOK, toTorrentStatus(ts))
}

type configResponse struct {
	PieceSelection picker.Policy `json:"piece_selection"`
	StreamingMode bool `json:"streaming_mode"`
	MaxPeers uint32 `json:"max_peers"`
	DownKiB uint32 `json:"down_kib"`
	UpKiB uint32 `json:"up_kib"`
	Priorities map[int]picker.Priority `json:"priorities"`
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	ts, ok := s.lookupFromRequest(w, r)
	if !ok {
		return
	}
	ov := ts.Options()
	respondJSON(w, http.StatusOK, configResponse{
			PieceSelection: ov.PieceSelection,
			StreamingMode: ov.StreamingMode,
			MaxPeers: ov.MaxPeers,
			DownKiB: ov.DownKiB,
			UpKiB: ov.UpKiB,
			Priorities: ov.Priorities,
	})
}

// configPatch is a typed request body: exactly one field set names the
// option being changed.
type configPatch struct {
	PieceSelection *picker.Policy `json:"piece_selection,omitempty"`
	StreamingMode *bool `json:"streaming_mode,omitempty"`
	MaxPeers *uint32 `json:"max_peers,omitempty"`
	RateLimit *struct {
		DownKiB uint32 `json:"down_kib"`
		UpKiB uint32 `json:"up_kib"`
	} `json:"rate_limit,omitempty"`
	Priority *struct {
		FileIndex int `json:"file_index"`
		Level picker.Priority `json:"level"`
	} `json:"priority,omitempty"`
}

func (s *Server) handleSetConfig(w http.ResponseWriter, r *http.Request) {
	ts, ok := s.lookupFromRequest(w, r)
	if !ok {
		return
	}
	var patch configPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		respondError(w, http.StatusBadRequest, ccerr.Validation("ipc.handleSetConfig", err))
		return
	}

	set := 0
	for _, present := range []bool{patch.PieceSelection != nil, patch.StreamingMode != nil, patch.MaxPeers != nil, patch.RateLimit != nil, patch.Priority != nil} {
		if present {
			set++
		}
	}
	if set > 1 {
		respondError(w, http.StatusBadRequest, ccerr.Validation("ipc.handleSetConfig", errEmptyConfigPatch))
		return
	}

	var opt torrentsession.Option
	switch {
	case patch.PieceSelection != nil:
		opt = torrentsession.PieceSelection(*patch.PieceSelection)
	case patch.StreamingMode != nil:
		opt = torrentsession.StreamingMode(*patch.StreamingMode)
	case patch.MaxPeers != nil:
		opt = torrentsession.MaxPeers(*patch.MaxPeers)
	case patch.RateLimit != nil:
		opt = torrentsession.RateLimit{DownKiB: patch.RateLimit.DownKiB, UpKiB: patch.RateLimit.UpKiB}
	case patch.Priority != nil:
		opt = torrentsession.Priority{FileIndex: patch.Priority.FileIndex, Level: patch.Priority.Level}
	default:
		respondError(w, http.StatusBadRequest, ccerr.Validation("ipc.handleSetConfig", errEmptyConfigPatch))
		return
	}

	if err := ts.SetOption(opt); err != nil {
		respondError(w, 0, err)
		return
	}
	s.BroadcastEvent("torrent_config_changed", toTorrentStatus(ts))
	respondJSON(w, http.StatusOK, map[string]bool{"applied": true})
}

var errEmptyConfigPatch = errors.New("config patch must set exactly one field")

// handleCheckpoint forces an immediate state save instead of waiting for the
// daemon's periodic checkpoint tick.
func (s *Server) handleCheckpoint(w http.ResponseWriter, r *http.Request) {
	if s.deps.States == nil || s.deps.RequestCheckpoint == nil {
		respondError(w, http.StatusServiceUnavailable, errCheckpointUnavailable)
		return
	}
	if err := s.deps.RequestCheckpoint(); err != nil {
		respondError(w, 0, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"saved": true})
}

var errCheckpointUnavailable = errors.New("state manager not configured")

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]bool{"shutting_down": true})
	if s.deps.RequestShutdown != nil {
		go s.deps.RequestShutdown()
	}
}
