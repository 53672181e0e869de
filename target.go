package cdpshim

import (
	"github.com/chromedp/cdproto/target"
	"github.com/mailru/easyjson"
	"github.com/mailru/easyjson/jwriter"

	"github.com/chromedp/cdpshim/debugger"
)

// Target is the snapshot of the attached tab, as reported by the host when the
// transport was created. It is sent as the targetInfo of the emulated Target
// domain events.
type Target struct {
	// TargetID is the CDP target id. It is also the session id of the
	// transport.
	TargetID target.ID

	// The remaining fields are copied from the host's target descriptor.
	ID          string
	TabID       int64
	Type        string
	Title       string
	URL         string
	FaviconURL  string
	ExtensionID string
	Attached    bool

	// CanAccessOpener is always false; the emulated target never has an
	// opener.
	CanAccessOpener bool
}

var _ easyjson.Marshaler = Target{}

func newTarget(info *debugger.TargetInfo) *Target {
	return &Target{
		TargetID:    target.ID(info.ID),
		ID:          info.ID,
		TabID:       info.TabID,
		Type:        info.Type,
		Title:       info.Title,
		URL:         info.URL,
		FaviconURL:  info.FaviconURL,
		ExtensionID: info.ExtensionID,
		Attached:    info.Attached,
	}
}

// SessionID returns the session id derived from the target.
func (t *Target) SessionID() target.SessionID {
	return target.SessionID(t.TargetID)
}

// MarshalEasyJSON satisfies easyjson.Marshaler.
func (t Target) MarshalEasyJSON(w *jwriter.Writer) {
	w.RawString(`{"targetId":`)
	w.String(string(t.TargetID))
	w.RawString(`,"id":`)
	w.String(t.ID)
	w.RawString(`,"tabId":`)
	w.Int64(t.TabID)
	w.RawString(`,"type":`)
	w.String(t.Type)
	w.RawString(`,"title":`)
	w.String(t.Title)
	w.RawString(`,"url":`)
	w.String(t.URL)
	if t.FaviconURL != "" {
		w.RawString(`,"faviconUrl":`)
		w.String(t.FaviconURL)
	}
	if t.ExtensionID != "" {
		w.RawString(`,"extensionId":`)
		w.String(t.ExtensionID)
	}
	w.RawString(`,"attached":`)
	w.Bool(t.Attached)
	w.RawString(`,"canAccessOpener":`)
	w.Bool(t.CanAccessOpener)
	w.RawByte('}')
}

// MarshalJSON satisfies json.Marshaler.
func (t Target) MarshalJSON() ([]byte, error) {
	w := jwriter.Writer{}
	t.MarshalEasyJSON(&w)
	return w.BuildBytes()
}
