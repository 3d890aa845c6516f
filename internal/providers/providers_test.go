package providers

import (
	"testing"

	"github.com/shopspring/decimal"

	"spotwatt/internal/domain"
)

func TestEmbeddedPresets(t *testing.T) {
	reg, err := Load()
	if err != nil {
		t.Fatalf("加载预设失败: %v", err)
	}
	for _, m := range domain.Markets {
		c := reg.For(m)
		if len(c.Providers) == 0 {
			t.Fatalf("%s 应有预设", m)
		}
		if !c.TaxRate.Equal(m.TaxRate()) {
			t.Fatalf("%s 税率不正确: %s", m, c.TaxRate)
		}
	}
	if !reg.For(domain.MarketAT).TaxRate.Equal(decimal.RequireFromString("0.20")) {
		t.Fatal("AT 税率应为 0.20")
	}
}

func TestParseRejectsBadDocuments(t *testing.T) {
	cases := map[string]string{
		"unknown region": `{"FR":[{"id":"a","name":"A"}]}`,
		"missing id":     `{"AT":[{"name":"A"}]}`,
		"duplicate id":   `{"AT":[{"id":"a","name":"A"},{"id":"a","name":"B"}]}`,
		"not json":       `[`,
	}
	for name, raw := range cases {
		if _, err := Parse([]byte(raw)); err == nil {
			t.Fatalf("%s 应报错", name)
		}
	}
}

func TestForUnknownRegionIsEmpty(t *testing.T) {
	reg, err := Parse([]byte(`{"AT":[{"id":"a","name":"A"}]}`))
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	c := reg.For(domain.MarketDE)
	if len(c.Providers) != 0 || c.Providers == nil {
		t.Fatalf("无预设的地区应返回空列表: %+v", c)
	}
}
