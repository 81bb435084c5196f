package server

import (
	"context"
	"encoding/json"
	"net/http"

	"gpu-claim-bot/blockkit"
	"gpu-claim-bot/command"

	"github.com/rs/zerolog/log"
	"github.com/slack-go/slack"
)

// Dispatcher runs a parsed command and returns its reply.
type Dispatcher interface {
	Dispatch(ctx context.Context, cmd command.Command) (slack.Msg, error)
}

// Register mounts the slash-command endpoint on the root path only.
func Register(mux *http.ServeMux, d Dispatcher) {
	mux.Handle("/{$}", Handler(d))
}

// Handler serves Slack slash-command POSTs. Unexpected faults answer 500
// with an ephemeral message.
func Handler(d Dispatcher) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		defer func() {
			if rec := recover(); rec != nil {
				log.Error().Interface("panic", rec).Msg("server: panic while processing command")
				writeInternalError(w, "An unexpected error occurred while processing your command.")
			}
		}()

		sc, err := slack.SlashCommandParse(r)
		if err != nil {
			log.Error().Err(err).Msg("server: failed to parse slash command")
			writeInternalError(w, "An unexpected error occurred: "+err.Error())
			return
		}
		userID := firstNonEmpty(sc.UserID, "unknown")
		userName := firstNonEmpty(sc.UserName, "Unknown User")
		log.Info().Str("userId", userID).Str("userName", userName).Str("text", sc.Text).Msg("server: received command")

		msg, _ := d.Dispatch(r.Context(), command.Parse(sc.Text, userID, userName))
		writeJSON(w, http.StatusOK, msg)
	})
}

func writeInternalError(w http.ResponseWriter, text string) {
	writeJSON(w, http.StatusInternalServerError, blockkit.Message(blockkit.ResponseEphemeral, blockkit.Error("Error", text)))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Msg("server: failed to marshal response")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(b)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
