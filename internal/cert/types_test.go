package cert

import (
	"testing"
	"time"

	"certeon.org/internal/identity"
)

func TestNextEnabledPhaseSkipsDisabled(t *testing.T) {
	def := &Definition{
		PhaseConfigs: []PhaseConfig{
			{Phase: PhaseChallenge, Enabled: false},
			{Phase: PhaseRemediation, Enabled: true, Duration: 24 * time.Hour},
		},
	}
	if got := NextEnabledPhase(def, PhaseActive); got != PhaseRemediation {
		t.Fatalf("next after Active = %s, want Remediation", got)
	}
	if got := NextEnabledPhase(def, PhaseRemediation); got != PhaseEnd {
		t.Fatalf("next after Remediation = %s, want End", got)
	}
	if got := NextEnabledPhase(def, PhaseEnd); got != PhaseNone {
		t.Fatalf("next after End = %s, want none", got)
	}
}

func TestNextEnabledPhaseFromNoneHonorsStaging(t *testing.T) {
	if got := NextEnabledPhase(&Definition{}, PhaseNone); got != PhaseActive {
		t.Fatalf("first phase = %s, want Active", got)
	}
	if got := NextEnabledPhase(&Definition{StagingEnabled: true}, PhaseNone); got != PhaseStaged {
		t.Fatalf("first phase with staging = %s, want Staged", got)
	}
}

func TestPreviousEnabledPhase(t *testing.T) {
	def := &Definition{
		PhaseConfigs: []PhaseConfig{
			{Phase: PhaseChallenge, Enabled: false},
		},
	}
	if got := PreviousEnabledPhase(def, PhaseEnd); got != PhaseActive {
		t.Fatalf("previous of End = %s, want Active", got)
	}
	if got := PreviousEnabledPhase(def, PhaseActive); got != PhaseNone {
		t.Fatalf("previous of Active = %s, want none", got)
	}
}

func TestRuleForLegacyAttributeWins(t *testing.T) {
	def := &Definition{
		PhaseRules: map[RuleHook]string{
			{Phase: PhaseActive, Enter: true}: "modern-rule",
		},
		Attributes: map[string]any{
			"ActivePhaseEnterRule": "legacy-rule",
		},
	}
	if got := def.RuleFor(PhaseActive, true); got != "legacy-rule" {
		t.Fatalf("rule = %q, want legacy-rule", got)
	}

	delete(def.Attributes, "ActivePhaseEnterRule")
	if got := def.RuleFor(PhaseActive, true); got != "modern-rule" {
		t.Fatalf("rule = %q, want modern-rule", got)
	}
	if got := def.RuleFor(PhaseActive, false); got != "" {
		t.Fatalf("exit rule = %q, want empty", got)
	}

	var nilDef *Definition
	if got := nilDef.RuleFor(PhaseActive, true); got != "" {
		t.Fatalf("nil definition rule = %q", got)
	}
}

func TestPhaseConfigForSynthesizesActive(t *testing.T) {
	def := &Definition{ActivePeriodDuration: 7 * 24 * time.Hour}
	pc := def.PhaseConfigFor(PhaseActive)
	if pc == nil || pc.Duration != 7*24*time.Hour {
		t.Fatalf("active config = %+v", pc)
	}
	if def.PhaseConfigFor(PhaseChallenge) != nil {
		t.Fatal("config for unconfigured phase")
	}
}

func TestTargetIdentityNamePerType(t *testing.T) {
	entityLevel := &Certification{ID: "c1", Type: TypeManager}
	e := &CertificationEntity{ID: "e1", Type: EntityIdentity, TargetName: "ida"}
	entityLevel.AddEntity(e)
	item := &CertificationItem{ID: "i1", Type: ItemException, TargetIdentity: "other"}
	e.AddItem(item)
	if got := item.TargetIdentityName(); got != "ida" {
		t.Fatalf("manager cert target = %q, want ida", got)
	}

	itemLevel := &Certification{ID: "c2", Type: TypeDataOwner}
	ge := &CertificationEntity{ID: "e2", Type: EntityDataOwner, TargetName: "group"}
	itemLevel.AddEntity(ge)
	member := &CertificationItem{ID: "i2", Type: ItemDataOwner, TargetIdentity: "bob"}
	ge.AddItem(member)
	if got := member.TargetIdentityName(); got != "bob" {
		t.Fatalf("data owner target = %q, want bob", got)
	}
}

func TestUseRollingPhases(t *testing.T) {
	c := &Certification{}
	if c.UseRollingPhases() {
		t.Fatal("plain certification rolls phases")
	}
	c.Continuous = true
	if !c.UseRollingPhases() {
		t.Fatal("continuous certification does not roll phases")
	}
	c = &Certification{Definition: &Definition{ProcessRevokesImmediately: true}}
	if !c.UseRollingPhases() {
		t.Fatal("process-revokes-immediately does not roll phases")
	}
}

func TestDelegationActive(t *testing.T) {
	var d *Delegation
	if d.Active() {
		t.Fatal("nil delegation active")
	}
	d = &Delegation{AssigneeName: "bob"}
	if !d.Active() {
		t.Fatal("open delegation inactive")
	}
	d.CompletionState = "Finished"
	if d.Active() {
		t.Fatal("finished delegation active")
	}
	d = &Delegation{AssigneeName: "bob", Revoked: true}
	if d.Active() {
		t.Fatal("revoked delegation active")
	}
}

func TestAccountKey(t *testing.T) {
	item := &CertificationItem{}
	if item.AccountKey() != "" {
		t.Fatal("key without snapshot")
	}
	item.Snapshot = &identity.EntitlementSnapshot{Application: "AD", NativeIdentity: "CN=ida"}
	if got := item.AccountKey(); got != "AD/CN=ida" {
		t.Fatalf("key = %q", got)
	}
}

func TestItemByID(t *testing.T) {
	c := &Certification{ID: "c1"}
	e := &CertificationEntity{ID: "e1"}
	c.AddEntity(e)
	e.AddItem(&CertificationItem{ID: "i1"})
	e.AddItem(&CertificationItem{ID: "i2"})

	if item := c.ItemByID("i2"); item == nil || item.Parent() != e {
		t.Fatalf("lookup failed: %+v", item)
	}
	if c.ItemByID("missing") != nil {
		t.Fatal("found a missing item")
	}
}
