package auth

import (
	"fmt"
	"math/rand/v2"
	"omoharvest-backend/internal/scrapers/bubble/session"
	"time"
)

// the workflow/start payload shapes, only the fields the upstream validates
// plus the context fields a real tab always sends are reproduced.

type workflowRequest struct {
	WaitFor                []string       `json:"wait_for"`
	AppLastChange          string         `json:"app_last_change"`
	ClientBreakingRevision string         `json:"client_breaking_revision"`
	Calls                  []workflowCall `json:"calls"`
	TimezoneOffset         int            `json:"timezone_offset"`
	TimezoneString         string         `json:"timezone_string"`
	UserID                 string         `json:"user_id"`
	ShouldStream           bool           `json:"should_stream"`
}

type workflowCall struct {
	ClientState     clientState    `json:"client_state"`
	RunID           string         `json:"run_id"`
	ServerCallID    string         `json:"server_call_id"`
	ItemID          string         `json:"item_id"`
	ElementID       string         `json:"element_id"`
	PageID          string         `json:"page_id"`
	UIDGenerator    uidGenerator   `json:"uid_generator"`
	RandomSeed      float64        `json:"random_seed"`
	CurrentDateTime int64          `json:"current_date_time"`
	CurrentWfParams map[string]any `json:"current_wf_params"`
}

type clientState struct {
	ElementInstances map[string]elementInstance `json:"element_instances"`
	ElementState     map[string]elementState    `json:"element_state"`
	OtherData        map[string]any             `json:"other_data"`
	Cache            map[string]any             `json:"cache"`
	Exists           map[string]bool            `json:"exists"`
}

type elementInstance struct {
	Dehydrated      string `json:"dehydrated"`
	ParentElementID string `json:"parent_element_id"`
}

type elementState struct {
	IsVisible        bool   `json:"is_visible"`
	ValueThatIsValid string `json:"value_that_is_valid"`
	Value            string `json:"value"`
}

type uidGenerator struct {
	Timestamp int64 `json:"timestamp"`
	Seed      int64 `json:"seed"`
}

type loginForm struct {
	accountID string
	email     string
	password  string
	now       time.Time
	location  *time.Location
}

// timezoneOffset mirrors Date.getTimezoneOffset(), minutes west of UTC.
func timezoneOffset(t time.Time) int {
	_, offset := t.Zone()
	return -offset / 60
}

func buildLoginWorkflow(sess *session.Session, opts Options, form loginForm) workflowRequest {
	ids := sess.IDs()
	runID, serverCallID := ids.Pair()
	now := form.now.In(form.location)

	dehydrate := func(elementID string) elementInstance {
		return elementInstance{
			Dehydrated:      fmt.Sprintf("%s:%s", opts.PageElementID, elementID),
			ParentElementID: opts.FormElementID,
		}
	}

	state := clientState{
		ElementInstances: map[string]elementInstance{
			opts.EmailElementID:    dehydrate(opts.EmailElementID),
			opts.PasswordElementID: dehydrate(opts.PasswordElementID),
			opts.ButtonElementID:   dehydrate(opts.ButtonElementID),
		},
		ElementState: map[string]elementState{
			opts.EmailElementID: {
				IsVisible:        true,
				ValueThatIsValid: form.email,
				Value:            form.email,
			},
			opts.PasswordElementID: {
				IsVisible:        true,
				ValueThatIsValid: form.password,
				Value:            form.password,
			},
		},
		OtherData: map[string]any{
			"Current Page Scroll Position": 0,
			"Current Page Width":           opts.ViewportWidth,
		},
		Cache: map[string]any{},
		Exists: map[string]bool{
			opts.EmailElementID:    true,
			opts.PasswordElementID: true,
			opts.ButtonElementID:   true,
		},
	}

	return workflowRequest{
		WaitFor:                []string{},
		AppLastChange:          opts.AppLastChange,
		ClientBreakingRevision: sess.BreakingRevision,
		Calls: []workflowCall{{
			ClientState:  state,
			RunID:        runID,
			ServerCallID: serverCallID,
			ItemID:       opts.WorkflowItemID,
			ElementID:    opts.ButtonElementID,
			PageID:       opts.PageElementID,
			UIDGenerator: uidGenerator{
				Timestamp: now.UnixMilli(),
				Seed:      rand.Int64N(1_000_000_000),
			},
			RandomSeed:      rand.Float64(),
			CurrentDateTime: now.UnixMilli(),
			CurrentWfParams: map[string]any{},
		}},
		TimezoneOffset: timezoneOffset(now),
		TimezoneString: form.location.String(),
		UserID:         form.accountID,
		ShouldStream:   false,
	}
}
