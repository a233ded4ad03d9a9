package main

import (
	"fmt"
	"strings"

	"github.com/vovakirdan/wirechat-sync/internal/core"
)

// renderer turns session updates into terminal lines.
type renderer struct {
	self     string
	peerName string
}

func (r renderer) lines(u core.Update) []string {
	switch u.Kind {
	case core.UpdateSnapshot:
		out := make([]string, 0, len(u.View.Messages)+1)
		for _, m := range u.View.Messages {
			out = append(out, r.message(m))
		}
		if s := r.status(u.View, nil); s != "" {
			out = append(out, s)
		}
		return out
	case core.UpdateAppended:
		return []string{r.message(u.Message)}
	case core.UpdateStatus:
		if s := r.status(u.View, u.Err); s != "" {
			return []string{s}
		}
		return []string{fmt.Sprintf("-- %s --", u.View.State)}
	default:
		// In-place upgrades do not change what the user already saw.
		return nil
	}
}

func (r renderer) message(m core.Message) string {
	who := r.peerName
	if m.SenderID == r.self {
		who = "You"
	}
	ts := ""
	if !m.SentAt.IsZero() {
		ts = "[" + m.SentAt.Local().Format("15:04") + "] "
	}
	return ts + who + ": " + m.Content
}

func (r renderer) status(v core.View, err error) string {
	var notes []string
	if v.HistoryUnavailable {
		notes = append(notes, "history unavailable")
	}
	if v.LogDegraded {
		notes = append(notes, "message log unreachable")
	}
	if v.BusDegraded {
		notes = append(notes, "live delivery offline")
	}
	if len(notes) == 0 {
		return ""
	}
	line := "-- " + strings.Join(notes, ", ")
	if err != nil {
		line += ": " + err.Error()
	}
	return line + " --"
}
