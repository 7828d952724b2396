package model

import "testing"

func TestRoleAccess(t *testing.T) {
	t.Parallel()
	cases := []struct {
		role             Role
		admin, marketing bool
	}{
		{RoleCustomer, false, false},
		{RoleDigitalMarketer, false, true},
		{RoleAdmin, true, true},
		{Role("owner"), false, false},
	}
	for _, c := range cases {
		if c.role.CanAccessAdmin() != c.admin || c.role.CanAccessMarketing() != c.marketing {
			t.Fatalf("%s: admin=%v marketing=%v", c.role, c.role.CanAccessAdmin(), c.role.CanAccessMarketing())
		}
	}
}

func TestStatusStrings(t *testing.T) {
	t.Parallel()
	if PhasePhoneChallengePending.String() == Phase(99).String() {
		t.Fatalf("unknown phase must not reuse a known name")
	}
	if MutationRolledBack.String() != "rolled-back" || MutationStatus(42).String() != "unknown" {
		t.Fatalf("mutation status strings: %s %s", MutationRolledBack, MutationStatus(42))
	}
}
