package model

import (
	"context"
	"testing"
)

func TestRequestContext_Validate(t *testing.T) {
	tests := []struct {
		name    string
		rc      *RequestContext
		wantErr bool
	}{
		{
			name:    "client",
			rc:      &RequestContext{SubjectID: "user-1", Role: RoleClient},
			wantErr: false,
		},
		{
			name:    "admin",
			rc:      &RequestContext{SubjectID: "admin-1", Role: RoleAdmin},
			wantErr: false,
		},
		{
			name:    "missing subject",
			rc:      &RequestContext{Role: RoleClient},
			wantErr: true,
		},
		{
			name:    "unknown role",
			rc:      &RequestContext{SubjectID: "user-1", Role: "auditor"},
			wantErr: true,
		},
		{
			name:    "empty",
			rc:      &RequestContext{},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.rc.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRequestContext_HasRole(t *testing.T) {
	rc := &RequestContext{Roles: []string{"client", "claims-admin"}}
	if !rc.HasRole("claims-admin") {
		t.Error("HasRole(claims-admin) = false, want true")
	}
	if rc.HasRole("admin") {
		t.Error("HasRole(admin) = true, want false")
	}
	if (&RequestContext{}).HasRole("client") {
		t.Error("HasRole on empty roles = true, want false")
	}
}

func TestRequestContext_Owns(t *testing.T) {
	claim := Claim{ID: "c-1", OwnerID: "user-1"}

	if !(&RequestContext{SubjectID: "user-1"}).Owns(claim) {
		t.Error("owner does not own claim")
	}
	if (&RequestContext{SubjectID: "user-2"}).Owns(claim) {
		t.Error("other user owns claim")
	}
	if (&RequestContext{}).Owns(Claim{}) {
		t.Error("empty subject must never own a claim")
	}
}

func TestRequestContext_Claim(t *testing.T) {
	rc := &RequestContext{Claims: map[string]any{"email": "a@example.com"}}
	if got := rc.Claim("email"); got != "a@example.com" {
		t.Errorf("Claim(email) = %v", got)
	}
	if got := rc.Claim("missing"); got != nil {
		t.Errorf("Claim(missing) = %v, want nil", got)
	}
	if got := (&RequestContext{}).Claim("email"); got != nil {
		t.Errorf("Claim on nil map = %v, want nil", got)
	}
}

func TestWithRequestContext_and_RequestContextFrom(t *testing.T) {
	rc := &RequestContext{SubjectID: "user-1", Role: RoleClient}
	ctx := WithRequestContext(context.Background(), rc)

	if got := RequestContextFrom(ctx); got != rc {
		t.Errorf("RequestContextFrom() = %v, want %v", got, rc)
	}
	if got := RequestContextFrom(context.Background()); got != nil {
		t.Errorf("RequestContextFrom(empty) = %v, want nil", got)
	}
}

func TestMustRequestContext(t *testing.T) {
	rc := &RequestContext{SubjectID: "user-1", Role: RoleClient}
	if got := MustRequestContext(WithRequestContext(context.Background(), rc)); got != rc {
		t.Errorf("MustRequestContext() = %v, want %v", got, rc)
	}

	defer func() {
		if recover() == nil {
			t.Error("MustRequestContext should panic without a RequestContext")
		}
	}()
	MustRequestContext(context.Background())
}
