package app

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolveDocumentID(t *testing.T) {
	cases := []struct {
		name    string
		target  string
		referer string
		in      eventInput
		want    string
	}{
		{name: "body post id wins", target: "/?post=2", in: eventInput{PostID: "1"}, want: "1"},
		{name: "query post", target: "/?post=2&editor_post_id=3", want: "2"},
		{name: "editor post id", target: "/", in: eventInput{EditorPostID: "3", DocumentID: "5"}, want: "3"},
		{name: "preview query", target: "/?elementor-preview=4", want: "4"},
		{name: "document id", target: "/", in: eventInput{DocumentID: "5"}, want: "5"},
		{name: "zero ignored", target: "/?post=0", in: eventInput{DocumentID: "5"}, want: "5"},
		{
			name:   "actions payload",
			target: "/",
			in:     eventInput{Actions: []byte(`{"save_builder":{"action":"save_builder","data":{"id":6}}}`)},
			want:   "6",
		},
		{
			name:   "actions as encoded string",
			target: "/",
			in:     eventInput{Actions: []byte(`"{\"a\":{\"data\":{\"id\":\"7\"}}}"`)},
			want:   "7",
		},
		{name: "referer", target: "/", referer: "https://example.test/wp-admin/post.php?post=8&action=edit", want: "8"},
		{name: "referer builder", target: "/", referer: "https://example.test/wp-admin/post.php?action=elementor&editor_post_id=9", want: "9"},
		{name: "nothing", target: "/", want: ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, tc.target, nil)
			if tc.referer != "" {
				r.Header.Set("Referer", tc.referer)
			}
			assert.Equal(t, tc.want, resolveDocumentID(r, tc.in))
		})
	}
}

func TestFlexID(t *testing.T) {
	var in eventInput
	assert.NoError(t, decodeJSONString(`{"post_id": 42, "document_id": " 7 "}`, &in))
	assert.Equal(t, flexID("42"), in.PostID)
	assert.Equal(t, flexID("7"), in.DocumentID)
	assert.Error(t, decodeJSONString(`{"post_id": true}`, &in))
}

func TestPatchFromInput(t *testing.T) {
	in := eventInput{
		BuilderData:        []byte(`[{"id":"a"}]`),
		Actions:            []byte(`{"save_builder":{"data":{"elements":[{"id":"b"}]}}}`),
		ModifiedElementIDs: []string{"a"},
		ClientTimerSeconds: 30,
	}
	p := in.patch()
	assert.JSONEq(t, `[{"id":"a"}]`, string(p.BuilderData))
	assert.Equal(t, int64(30), p.ClientTimerSeconds)

	in.BuilderData = nil
	assert.JSONEq(t, `[{"id":"b"}]`, string(in.patch().BuilderData))

	in.Actions = nil
	assert.True(t, in.patch().BuilderData == nil)
}

func decodeJSONString(s string, target any) error {
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(s))
	return decodeBody(r, target)
}
