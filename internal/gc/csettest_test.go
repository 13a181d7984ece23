package gc

import "testing"

func TestCSetFastTest_DefaultsToNotInCSet(t *testing.T) {
	table := reserveTestTable(t, 4096, 4)
	fast := NewCSetFastTest(table)

	for i := RegionIndex(0); i < 4; i++ {
		if got := fast.AtIndex(i); got != NotInCSet {
			t.Fatalf("AtIndex(%d) = %v, want NotInCSet", i, got)
		}
	}
}

func TestCSetFastTest_SetInYoungSetInOldAreAddressAddressable(t *testing.T) {
	table := reserveTestTable(t, 4096, 2)
	fast := NewCSetFastTest(table)

	fast.SetInYoung(0)
	fast.SetInOld(1)

	if got := fast.At(table.At(0).Bottom); got != InCSetYoung {
		t.Fatalf("At(region 0) = %v, want InCSetYoung", got)
	}
	if got := fast.At(table.At(1).Bottom + 10); got != InCSetOld {
		t.Fatalf("At(region 1) = %v, want InCSetOld", got)
	}
}

func TestCSetFastTest_HumongousInvolution(t *testing.T) {
	table := reserveTestTable(t, 4096, 1)
	fast := NewCSetFastTest(table)

	fast.SetHumongous(0)
	if got := fast.AtIndex(0); !got.IsHumongous() {
		t.Fatalf("AtIndex(0) = %v, want a humongous membership", got)
	}
	fast.ClearHumongous(0)
	if got := fast.AtIndex(0); got != NotInCSet {
		t.Fatalf("AtIndex(0) after ClearHumongous = %v, want NotInCSet", got)
	}
}

func TestCSetFastTest_ClearResetsEveryRegion(t *testing.T) {
	table := reserveTestTable(t, 4096, 3)
	fast := NewCSetFastTest(table)
	fast.SetInYoung(0)
	fast.SetInOld(1)
	fast.SetHumongous(2)

	fast.Clear()

	for i := RegionIndex(0); i < 3; i++ {
		if got := fast.AtIndex(i); got != NotInCSet {
			t.Fatalf("AtIndex(%d) after Clear = %v, want NotInCSet", i, got)
		}
	}
}

func TestCSetFastTest_AtOutOfRangeAddressIsNotInCSet(t *testing.T) {
	table := reserveTestTable(t, 4096, 1)
	fast := NewCSetFastTest(table)
	fast.SetInYoung(0)

	if got := fast.At(table.Base() + 10*4096); got != NotInCSet {
		t.Fatalf("At(out-of-range addr) = %v, want NotInCSet", got)
	}
}
