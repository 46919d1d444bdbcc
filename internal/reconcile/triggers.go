package reconcile

import (
	"errors"
	"fmt"
	"sort"
)

type Surface string

const (
	Classic Surface = "classic"
	Builder Surface = "builder"
)

type Intent string

const (
	Start  Intent = "start"
	Update Intent = "update"
	Close  Intent = "close"
)

func (i Intent) Valid() bool {
	return i == Start || i == Update || i == Close
}

var (
	ErrUnknownTrigger = errors.New("unknown trigger")
	ErrUnknownSurface = errors.New("unknown surface")
)

type route struct {
	intent   Intent
	forceNew bool
}

// Native triggers of each editing surface.
var triggers = map[Surface]map[string]route{
	Classic: {
		"edit_screen_loaded": {intent: Start},
		"autosave":           {intent: Update},
		"post_saved":         {intent: Close},
	},
	Builder: {
		"editor_init":            {intent: Start},
		"before_enqueue_scripts": {intent: Start},
		"after_enqueue_styles":   {intent: Start},
		"preview_styles":         {intent: Start},
		"frontend_scripts":       {intent: Start},
		"widget_render":          {intent: Start},
		"before_save":            {intent: Start},
		"start_new_session":      {intent: Start, forceNew: true},
		"activity":               {intent: Update},
		"update_session":         {intent: Update},
		"heartbeat":              {intent: Update},
		"after_save":             {intent: Close},
		"document_after_save":    {intent: Close},
		"ajax_save":              {intent: Close},
		"save_builder":           {intent: Close},
		"heartbeat_last":         {intent: Close},
		"update_session_save":    {intent: Close},
	},
}

// Normalize maps an event onto an intent. Events without a trigger must carry
// an explicit intent.
func Normalize(e Event) (Intent, bool, error) {
	if e.Trigger == "" {
		if !e.Intent.Valid() {
			return "", false, fmt.Errorf("%w: missing trigger and intent", ErrUnknownTrigger)
		}
		return e.Intent, e.ForceNew, nil
	}
	table, ok := triggers[e.Surface]
	if !ok {
		return "", false, fmt.Errorf("%w: %q", ErrUnknownSurface, e.Surface)
	}
	r, ok := table[e.Trigger]
	if !ok {
		return "", false, fmt.Errorf("%w: %s/%s", ErrUnknownTrigger, e.Surface, e.Trigger)
	}
	return r.intent, r.forceNew || e.ForceNew, nil
}

// Surfaces are the editor surfaces with native trigger tables.
var Surfaces = []Surface{Classic, Builder}

// Triggers lists the native triggers of a surface, sorted.
func Triggers(s Surface) []string {
	names := make([]string, 0, len(triggers[s]))
	for name := range triggers[s] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
