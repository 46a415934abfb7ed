package validate

import (
	"errors"
	"strings"
	"testing"
)

type form struct {
	Name     string `validate:"required"`
	Keep     int    `validate:"min=0,max=10"`
	Hook     string `validate:"omitempty,url"`
	Schedule string `validate:"omitempty,cron"`
}

func TestStructValid(t *testing.T) {
	if err := Struct(form{Name: "x", Keep: 5, Hook: "https://example.com/hook", Schedule: "0 */6 * * *"}); err != nil {
		t.Fatalf("unexpected: %v", err)
	}
}

func TestStructCollectsFieldErrors(t *testing.T) {
	err := Struct(form{Keep: 50, Hook: "not a url"})
	if err == nil {
		t.Fatal("want error")
	}
	var verr *Error
	if !errors.As(err, &verr) {
		t.Fatalf("want *Error, got %T", err)
	}
	got := map[string]bool{}
	for _, f := range verr.Fields {
		got[f.Field] = true
	}
	for _, want := range []string{"Name", "Keep", "Hook"} {
		if !got[want] {
			t.Errorf("missing field error for %s: %v", want, verr.Fields)
		}
	}
	if !strings.Contains(verr.Error(), "Name is required") {
		t.Errorf("message: %q", verr.Error())
	}
}

func TestStructCronTag(t *testing.T) {
	if err := Struct(form{Name: "x", Schedule: "not cron"}); err == nil {
		t.Fatal("want error for bad cron expression")
	}
	if err := Struct(form{Name: "x", Schedule: "*/5 * * * *"}); err != nil {
		t.Fatalf("valid cron rejected: %v", err)
	}
}
