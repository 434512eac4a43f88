package transform

import (
	"testing"
	"time"

	"github.com/hollomancer/sbir-analytics-sub004/pkg/model"
)

func day(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestDeduperMergesLaterOverEarlier(t *testing.T) {
	d := NewDeduper()
	d.Add(model.Award{AwardID: "A-1", CompanyRef: "old-ref", SourceContexts: []string{"dump-2023"}})
	d.Add(model.Award{AwardID: "A-1", CompanyRef: "new-ref", SourceContexts: []string{"dump-2024"}})

	awards := d.Awards()
	if len(awards) != 1 {
		t.Fatalf("expected 1 deduped award, got %d", len(awards))
	}
	a := awards[0]
	if a.CompanyRef != "new-ref" {
		t.Errorf("CompanyRef = %q, want later record to win", a.CompanyRef)
	}
	if len(a.SourceContexts) != 2 {
		t.Errorf("SourceContexts = %v, want both merged", a.SourceContexts)
	}
}

func TestDeduperPreservesFirstSeenOrder(t *testing.T) {
	d := NewDeduper()
	d.Add(model.Award{AwardID: "A-2"})
	d.Add(model.Award{AwardID: "A-1"})
	awards := d.Awards()
	if awards[0].AwardID != "A-2" || awards[1].AwardID != "A-1" {
		t.Errorf("order not preserved: %+v", awards)
	}
}

func TestBuildChainsOrdersAndResolvesOwnership(t *testing.T) {
	assignments := []model.PatentAssignment{
		{RFID: "rf-3", PatentKey: "P1", Conveyance: model.ConveyanceLicense, RecordDate: day("2020-03-01"), Assignees: []string{"Licensee Co"}},
		{RFID: "rf-1", PatentKey: "P1", Conveyance: model.ConveyanceAssignment, RecordDate: day("2018-01-01"), Assignees: []string{"First Owner"}},
		{RFID: "rf-2", PatentKey: "P1", Conveyance: model.ConveyanceAssignment, RecordDate: day("2019-06-01"), Assignees: []string{"Second Owner"}},
	}

	chains, errs := BuildChains(assignments)
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	chain, ok := chains["P1"]
	if !ok {
		t.Fatal("expected chain for P1")
	}
	if len(chain.Assignments) != 3 {
		t.Fatalf("expected 3 linked assignments, got %d", len(chain.Assignments))
	}
	if chain.Assignments[0].RFID != "rf-1" || chain.Assignments[2].RFID != "rf-3" {
		t.Errorf("assignments not ordered by record date: %+v", chain.Assignments)
	}
	if chain.Assignments[1].PredecessorRFID != "rf-1" {
		t.Errorf("predecessor link wrong: %+v", chain.Assignments[1])
	}
	if len(chain.CurrentAssignees) != 1 || chain.CurrentAssignees[0] != "Second Owner" {
		t.Errorf("current owner should be last ASSIGNMENT, not the later LICENSE: %+v", chain.CurrentAssignees)
	}
}

func TestBuildChainsRejectsCycle(t *testing.T) {
	assignments := []model.PatentAssignment{
		{RFID: "rf-1", PatentKey: "P2", Conveyance: model.ConveyanceAssignment, RecordDate: day("2020-01-01"), PredecessorRFID: "rf-2"},
		{RFID: "rf-2", PatentKey: "P2", Conveyance: model.ConveyanceAssignment, RecordDate: day("2021-01-01"), PredecessorRFID: "rf-1"},
	}

	_, errs := BuildChains(assignments)
	if len(errs) != 1 {
		t.Fatalf("expected 1 cycle error, got %d: %v", len(errs), errs)
	}
}

func TestAggregateCompaniesSinglePass(t *testing.T) {
	awards := []model.Award{
		{AwardID: "A-1", CompanyRef: "C-1", Phase: model.PhaseI, AmountCents: 10000, AwardDate: day("2020-01-01")},
		{AwardID: "A-2", CompanyRef: "C-1", Phase: model.PhaseII, AmountCents: 50000, AwardDate: day("2021-06-01")},
		{AwardID: "A-3", CompanyRef: "C-2", Phase: model.PhaseI, AmountCents: 20000, AwardDate: day("2019-01-01")},
	}
	categories := map[string][]string{
		"A-1": {"ai"},
		"A-2": {"ai", "robotics"},
	}

	metrics := AggregateCompanies(awards, categories)
	c1 := metrics["C-1"]
	if c1.AwardCount != 2 {
		t.Errorf("AwardCount = %d, want 2", c1.AwardCount)
	}
	if c1.TotalFundingCents != 60000 {
		t.Errorf("TotalFundingCents = %d, want 60000", c1.TotalFundingCents)
	}
	if c1.CategoryCounts["ai"] != 2 {
		t.Errorf("CategoryCounts[ai] = %d, want 2", c1.CategoryCounts["ai"])
	}
	if !c1.FirstAwardDate.Equal(day("2020-01-01")) || !c1.LastAwardDate.Equal(day("2021-06-01")) {
		t.Errorf("first/last award dates wrong: %+v", c1)
	}
}

func TestSectorMapperFallsBackOnUnresolvedCode(t *testing.T) {
	mapper := NewSectorMapper(map[string]string{"541715": "R&D Services"}, "999999")

	sector, ok := mapper.Sector("541715")
	if !ok || sector != "R&D Services" {
		t.Errorf("Sector(541715) = %q, %v", sector, ok)
	}

	fallback, ok := mapper.Sector("000000")
	if ok || fallback != "999999" {
		t.Errorf("Sector(unknown) = %q, %v, want fallback", fallback, ok)
	}
}
