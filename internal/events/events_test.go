package events

import (
	"math/big"
	"testing"
)

func TestSortByBlockAndLogOrdersByBlockThenLog(t *testing.T) {
	evts := []Event{
		{Kind: StrategyDeleted, BlockNumber: 10, LogIndex: 2},
		{Kind: StrategyCreated, BlockNumber: 9, LogIndex: 5},
		{Kind: StrategyUpdated, BlockNumber: 10, LogIndex: 0},
	}
	SortByBlockAndLog(evts)

	want := []Kind{StrategyCreated, StrategyUpdated, StrategyDeleted}
	for i, k := range want {
		if evts[i].Kind != k {
			t.Fatalf("evts[%d].Kind = %v, want %v", i, evts[i].Kind, k)
		}
	}
}

func TestSortByBlockAndLogIsStableForTies(t *testing.T) {
	first := Event{Kind: StrategyCreated, BlockNumber: 1, LogIndex: 1, Data: StrategyCreatedData{Strategy: Strategy{ID: big.NewInt(1)}}}
	second := Event{Kind: StrategyCreated, BlockNumber: 1, LogIndex: 1, Data: StrategyCreatedData{Strategy: Strategy{ID: big.NewInt(2)}}}
	evts := []Event{first, second}
	SortByBlockAndLog(evts)

	got := evts[0].Data.(StrategyCreatedData).Strategy.ID
	if got.Cmp(big.NewInt(1)) != 0 {
		t.Fatalf("stable sort reordered equal keys: got ID %v, want 1", got)
	}
}
