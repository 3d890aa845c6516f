package pricing

import (
	"encoding/json"
	"os"
	"testing"

	"github.com/shopspring/decimal"
)

type fixture struct {
	Name          string `json:"name"`
	Spot          string `json:"spot"`
	FullCost      bool   `json:"full_cost"`
	TaxRate       string `json:"tax_rate"`
	ProviderPct   string `json:"provider_pct"`
	ProviderFixed string `json:"provider_fixed"`
	Network       string `json:"network"`
	IncludeTax    bool   `json:"include_tax"`
	Want          string `json:"want"`
}

// The fixture file is shared with the client widgets; keep it in sync.
func TestEffectiveFixtures(t *testing.T) {
	raw, err := os.ReadFile("testdata/fixtures.json")
	if err != nil {
		t.Fatalf("读取 fixtures 失败: %v", err)
	}
	var fixtures []fixture
	if err := json.Unmarshal(raw, &fixtures); err != nil {
		t.Fatalf("解析 fixtures 失败: %v", err)
	}

	for _, fx := range fixtures {
		t.Run(fx.Name, func(t *testing.T) {
			model := CostModel{
				FullCost:           fx.FullCost,
				TaxRate:            decimal.RequireFromString(fx.TaxRate),
				ProviderPercentage: decimal.RequireFromString(fx.ProviderPct),
				ProviderFixedFee:   decimal.RequireFromString(fx.ProviderFixed),
				NetworkCosts:       decimal.RequireFromString(fx.Network),
				IncludeTax:         fx.IncludeTax,
			}
			got := Effective(decimal.RequireFromString(fx.Spot), model)
			want := decimal.RequireFromString(fx.Want)
			if !got.Equal(want) {
				t.Fatalf("期望 %s, 实际 %s", want, got)
			}
		})
	}
}

func TestEffectiveIsDeterministic(t *testing.T) {
	model := CostModel{
		FullCost:           true,
		TaxRate:            decimal.RequireFromString("0.2"),
		ProviderPercentage: decimal.RequireFromString("3.3"),
		ProviderFixedFee:   decimal.RequireFromString("1.1"),
		NetworkCosts:       decimal.RequireFromString("7.77"),
	}
	spot := decimal.RequireFromString("12.345")
	first := Effective(spot, model)
	for i := 0; i < 10; i++ {
		if got := Effective(spot, model); got.String() != first.String() {
			t.Fatalf("第 %d 次计算结果不一致: %s != %s", i, got, first)
		}
	}
}
