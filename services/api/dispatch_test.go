package api

import (
	"testing"

	"github.com/google/uuid"
)

func TestDedupHashStable(t *testing.T) {
	versionID := uuid.MustParse("11111111-1111-1111-1111-111111111111")
	machineID := uuid.MustParse("22222222-2222-2222-2222-222222222222")
	inputs := map[string]any{"prompt": "a fox", "steps": float64(30)}

	a := dedupHash(versionID, machineID, inputs, OriginAPI)
	b := dedupHash(versionID, machineID, map[string]any{"steps": float64(30), "prompt": "a fox"}, OriginAPI)
	if a != b {
		t.Error("hash differs for equal inputs in different insertion order")
	}
	if len(a) != 64 {
		t.Errorf("hash length = %d, want 64 hex chars", len(a))
	}
}

func TestDedupHashSensitivity(t *testing.T) {
	versionID := uuid.MustParse("11111111-1111-1111-1111-111111111111")
	machineID := uuid.MustParse("22222222-2222-2222-2222-222222222222")
	inputs := map[string]any{"prompt": "a fox"}

	base := dedupHash(versionID, machineID, inputs, OriginAPI)

	if dedupHash(versionID, machineID, map[string]any{"prompt": "a cat"}, OriginAPI) == base {
		t.Error("hash unchanged for different inputs")
	}
	if dedupHash(versionID, machineID, inputs, OriginManual) == base {
		t.Error("hash unchanged for different origin")
	}
	if dedupHash(uuid.New(), machineID, inputs, OriginAPI) == base {
		t.Error("hash unchanged for different version")
	}
	if dedupHash(versionID, uuid.New(), inputs, OriginAPI) == base {
		t.Error("hash unchanged for different machine")
	}
}

func TestCheckOwnership(t *testing.T) {
	org := "org-1"
	otherOrg := "org-2"

	cases := []struct {
		name     string
		cred     *Credential
		workflow *workflowModel
		wantErr  bool
	}{
		{
			name:     "no credential passes",
			cred:     nil,
			workflow: &workflowModel{UserID: "u1"},
		},
		{
			name:    "credential without workflow fails",
			cred:    &Credential{UserID: "u1"},
			wantErr: true,
		},
		{
			name:     "matching org passes",
			cred:     &Credential{UserID: "u1", OrgID: &org},
			workflow: &workflowModel{UserID: "u2", OrgID: &org},
		},
		{
			name:     "mismatched org fails",
			cred:     &Credential{UserID: "u1", OrgID: &org},
			workflow: &workflowModel{UserID: "u1", OrgID: &otherOrg},
			wantErr:  true,
		},
		{
			name:     "org credential against personal workflow fails",
			cred:     &Credential{UserID: "u1", OrgID: &org},
			workflow: &workflowModel{UserID: "u1"},
			wantErr:  true,
		},
		{
			name:     "matching user passes",
			cred:     &Credential{UserID: "u1"},
			workflow: &workflowModel{UserID: "u1"},
		},
		{
			name:     "different user on personal workflow fails",
			cred:     &Credential{UserID: "u1"},
			workflow: &workflowModel{UserID: "u2"},
			wantErr:  true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := checkOwnership(tc.cred, tc.workflow)
			if tc.wantErr && err == nil {
				t.Error("expected error")
			}
			if !tc.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}
