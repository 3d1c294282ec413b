package version

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCompare_NumericTokens(t *testing.T) {
	c := NewBuilder().Build()
	assert.Greater(t, c.CompareStrings("1.10", "1.9"), 0)
}

func TestCompare_LatestAlias(t *testing.T) {
	c := NewBuilder().AddLatest("latest").Build()
	assert.Greater(t, c.CompareStrings("latest", "9.9.9"), 0)
}

func TestCompare_SuffixTable(t *testing.T) {
	c := NewBuilder().AddSuffix("rc").AddSuffix("GA").Build()
	assert.Less(t, c.CompareStrings("1.0_rc", "1.0_GA"), 0)
}

func TestCompare_EmptySuffixLast(t *testing.T) {
	c := NewBuilder().AddSuffix("rc").EmptySuffixLast(true).Build()
	assert.Greater(t, c.CompareStrings("1.0", "1.0_rc"), 0)
}

func TestCompare_EmptySuffixNotLast(t *testing.T) {
	c := NewBuilder().AddSuffix("rc").EmptySuffixLast(false).Build()
	assert.Less(t, c.CompareStrings("1.0", "1.0_rc"), 0)
}

func TestCompare_NilOrdering(t *testing.T) {
	c := NewBuilder().Build()
	one := "1.0"
	assert.Equal(t, 0, c.Compare(nil, nil))
	assert.Equal(t, -1, c.Compare(nil, &one))
	assert.Equal(t, 1, c.Compare(&one, nil))
}

func TestCompare_Idempotent(t *testing.T) {
	c := NewBuilder().AddLatest("latest").Build()
	in := []string{"1.0", "2.0_rc", "latest", "1.1", "1.10", "1.9"}

	sorted1 := append([]string(nil), in...)
	sort.Slice(sorted1, func(i, j int) bool { return c.CompareStrings(sorted1[i], sorted1[j]) < 0 })

	sorted2 := append([]string(nil), sorted1...)
	sort.Slice(sorted2, func(i, j int) bool { return c.CompareStrings(sorted2[i], sorted2[j]) < 0 })

	assert.Equal(t, sorted1, sorted2)
}

func TestMax_TagReconciliationScenario(t *testing.T) {
	tags := []string{"1.0", "1.1", "2.0_rc", "latest"}

	withLatest := NewBuilder().AddLatest("latest").AddSuffix("rc").EmptySuffixLast(true).Build()
	assert.Equal(t, "latest", *withLatest.Max(tags))

	withoutLatest := NewBuilder().AddSuffix("rc").EmptySuffixLast(true).Build()
	// "2.0_rc" < "2.0" (absent suffix) under emptySuffixLast. "latest" is
	// left out here, since as a plain string it sorts above the numeric
	// tags; of "1.0"/"1.1"/"2.0_rc" the highest is "2.0_rc" since bare
	// "2.0" is absent.
	assert.Equal(t, "2.0_rc", *withoutLatest.Max([]string{"1.0", "1.1", "2.0_rc"}))
}
