package handlers

import (
	"encoding/json"

	"atlas/internal/config"
	"atlas/internal/manager"
	"atlas/internal/middleware"
)

// changedSections lists the sections that differ between two documents.
func changedSections(old, next *config.Config) []string {
	if old == nil || next == nil {
		return nil
	}
	var out []string
	for _, name := range config.EditableSections {
		if sectionJSON(old, name) != sectionJSON(next, name) {
			out = append(out, name)
		}
	}
	return out
}

func sectionJSON(cfg *config.Config, name string) string {
	raw, err := json.Marshal(cfg.Section(name))
	if err != nil {
		return ""
	}
	return string(raw)
}

// BroadcastConfigChanges pushes config.updated and config.reloaded events to
// websocket clients whenever the manager saves or reloads the document.
// Secrets never leave the server; events carry the generation and the names
// of the sections that changed.
func BroadcastConfigChanges(mgr *manager.Manager, hub *middleware.Hub) {
	if mgr == nil || hub == nil {
		return
	}
	mgr.Subscribe(func(change manager.Change) {
		event := middleware.EventConfigUpdated
		if change.Reason == manager.ChangeReloaded {
			event = middleware.EventConfigReloaded
		}
		hub.BroadcastEvent(event, map[string]interface{}{
			"generation":     mgr.Generation(),
			"sections":       changedSections(change.Old, change.New),
			"setup_complete": change.New != nil && change.New.SetupComplete,
		})
	})
}
