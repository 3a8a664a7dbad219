package httpapi

import (
	"encoding/binary"
	"net/http"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/bbureau12/echonet/internal/router"
)

// maxTranscribeUploadBytes bounds the multipart body size accepted by
// /test/transcribe.
const maxTranscribeUploadBytes = 32 << 20 // 32 MiB

// handleTestTranscribe implements POST /test/transcribe: a capture-less
// path that decodes an uploaded WAV file, transcribes it, and optionally
// routes the result (spec.md §4.I). Useful for exercising the Router
// without a live microphone.
func (s *Server) handleTestTranscribe(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxTranscribeUploadBytes)
	if err := r.ParseMultipartForm(maxTranscribeUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "malformed multipart body: "+err.Error())
		return
	}

	file, _, err := r.FormFile("audio")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing \"audio\" file part")
		return
	}
	defer file.Close()

	dec := wav.NewDecoder(file)
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid WAV data: "+err.Error())
		return
	}

	pcm := pcmFromIntBuffer(buf)

	language := r.FormValue("language")
	sourceID := r.FormValue("source_id")

	start := time.Now()
	result, err := s.tr.Transcribe(r.Context(), pcm, buf.Format.SampleRate, language)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := map[string]any{
		"text":       result.Text,
		"confidence": result.Confidence,
		"duration_s": result.DurationS,
		"elapsed_s":  time.Since(start).Seconds(),
	}

	if r.FormValue("route") == "true" && sourceID != "" {
		decision, routeErr := s.rt.Route(r.Context(), router.TextEvent{
			SourceID: sourceID,
			Ts:       time.Now(),
			Text:     result.Text,
		})
		if routeErr != nil {
			resp["route_error"] = routeErr.Error()
		} else {
			resp["route_decision"] = decision
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// pcmFromIntBuffer encodes a decoded WAV buffer's integer samples as mono
// little-endian 16-bit PCM, the format every other stage in this repo
// (pkg/audio, pkg/vad, internal/transcriber) expects. Multi-channel input is
// down-mixed by averaging each interleaved frame's channels.
func pcmFromIntBuffer(buf *goaudio.IntBuffer) []byte {
	ch := 1
	if buf.Format != nil && buf.Format.NumChannels > 1 {
		ch = buf.Format.NumChannels
	}
	frames := len(buf.Data) / ch
	out := make([]byte, frames*2)
	for i := 0; i < frames; i++ {
		sum := 0
		for c := 0; c < ch; c++ {
			sum += buf.Data[i*ch+c]
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(sum/ch)))
	}
	return out
}
