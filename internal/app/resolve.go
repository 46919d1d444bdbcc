package app

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"edittime/api/internal/tracker"
	"github.com/tidwall/gjson"
)

// flexID accepts document IDs sent as JSON strings or numbers.
type flexID string

func (f *flexID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexID(n.String())
	return nil
}

// eventInput is the body of a tracking or surface event. The surfaces post
// either JSON or form fields with the same names.
type eventInput struct {
	Trigger            string          `json:"trigger"`
	Intent             string          `json:"intent"`
	PostID             flexID          `json:"post_id"`
	EditorPostID       flexID          `json:"editor_post_id"`
	Preview            flexID          `json:"elementor-preview"`
	DocumentID         flexID          `json:"document_id"`
	Actions            json.RawMessage `json:"actions"`
	ForceNew           bool            `json:"forceNew"`
	BuilderData        json.RawMessage `json:"builderData"`
	BuilderHash        string          `json:"builderHash"`
	BuilderLength      int             `json:"builderLength"`
	ActivityDelta      int             `json:"activityDelta"`
	ModifiedElementIDs []string        `json:"modifiedElementIds"`
	ClientTimerSeconds int64           `json:"clientTimerSeconds"`
	LastActivityAt     *time.Time      `json:"lastActivityAt"`
}

func decodeEvent(r *http.Request) (eventInput, error) {
	var in eventInput
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/x-www-form-urlencoded") {
		if err := r.ParseForm(); err != nil {
			return in, err
		}
		in = eventFromForm(r.PostForm)
		return in, nil
	}
	if err := decodeBody(r, &in); err != nil {
		return in, err
	}
	return in, nil
}

func eventFromForm(form url.Values) eventInput {
	atoi := func(key string) int {
		n, _ := strconv.Atoi(form.Get(key))
		return n
	}
	in := eventInput{
		Trigger:            form.Get("trigger"),
		Intent:             form.Get("intent"),
		PostID:             flexID(form.Get("post_id")),
		EditorPostID:       flexID(form.Get("editor_post_id")),
		Preview:            flexID(form.Get("elementor-preview")),
		DocumentID:         flexID(form.Get("document_id")),
		BuilderHash:        form.Get("builderHash"),
		BuilderLength:      atoi("builderLength"),
		ActivityDelta:      atoi("activityDelta"),
		ModifiedElementIDs: form["modifiedElementIds"],
	}
	in.ForceNew, _ = strconv.ParseBool(form.Get("forceNew"))
	in.ClientTimerSeconds, _ = strconv.ParseInt(form.Get("clientTimerSeconds"), 10, 64)
	if actions := form.Get("actions"); actions != "" {
		if quoted, err := json.Marshal(actions); err == nil {
			in.Actions = quoted
		}
	}
	if data := form.Get("builderData"); data != "" && gjson.Valid(data) {
		in.BuilderData = json.RawMessage(data)
	}
	if at, err := time.Parse(time.RFC3339, form.Get("lastActivityAt")); err == nil {
		in.LastActivityAt = &at
	}
	return in
}

// actionsJSON returns the builder's batched actions payload, which arrives
// either as an object or as a JSON-encoded string.
func (in eventInput) actionsJSON() gjson.Result {
	raw := bytes.TrimSpace(in.Actions)
	if len(raw) == 0 {
		return gjson.Result{}
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil || !gjson.Valid(s) {
			return gjson.Result{}
		}
		return gjson.Parse(s)
	}
	if !gjson.ValidBytes(raw) {
		return gjson.Result{}
	}
	return gjson.ParseBytes(raw)
}

// resolveDocumentID finds the document an event is about, trying the body,
// the query string, the builder actions payload and finally the Referer.
func resolveDocumentID(r *http.Request, in eventInput) string {
	query := r.URL.Query()
	candidates := []string{
		string(in.PostID),
		query.Get("post"),
		string(in.EditorPostID),
		query.Get("editor_post_id"),
		string(in.Preview),
		query.Get("elementor-preview"),
		string(in.DocumentID),
		query.Get("document_id"),
		actionsDocumentID(in.actionsJSON()),
	}
	if referer := r.Referer(); referer != "" {
		if u, err := url.Parse(referer); err == nil {
			rq := u.Query()
			candidates = append(candidates, rq.Get("post"), rq.Get("editor_post_id"), rq.Get("elementor-preview"))
		}
	}
	for _, c := range candidates {
		if id := strings.TrimSpace(c); id != "" && id != "0" {
			return id
		}
	}
	return ""
}

func actionsDocumentID(actions gjson.Result) string {
	var id string
	actions.ForEach(func(_, action gjson.Result) bool {
		if v := action.Get("data.id"); v.Exists() && v.String() != "" {
			id = v.String()
			return false
		}
		return true
	})
	return id
}

// actionsBuilderData returns the element tree of a save_builder action.
func actionsBuilderData(actions gjson.Result) []byte {
	elements := actions.Get("save_builder.data.elements")
	if !elements.Exists() || !elements.IsArray() {
		return nil
	}
	return []byte(elements.Raw)
}

func (in eventInput) patch() tracker.Patch {
	p := tracker.Patch{
		BuilderHash:        in.BuilderHash,
		BuilderLength:      in.BuilderLength,
		ActivityDelta:      in.ActivityDelta,
		ModifiedElementIDs: in.ModifiedElementIDs,
		ClientTimerSeconds: in.ClientTimerSeconds,
	}
	if len(bytes.TrimSpace(in.BuilderData)) > 0 && !bytes.Equal(bytes.TrimSpace(in.BuilderData), []byte("null")) {
		p.BuilderData = in.BuilderData
	} else if data := actionsBuilderData(in.actionsJSON()); data != nil {
		p.BuilderData = data
	}
	if in.LastActivityAt != nil {
		p.LastActivityAt = *in.LastActivityAt
	}
	return p
}
