package invoker

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRender(t *testing.T) {
	vars := map[string]any{
		"order_id": json.Number("12345"),
		"order":    map[string]any{"price": json.Number("880.5"), "seat": "12A"},
		"paid":     true,
		"city":     "北京",
	}
	tests := []struct {
		tmpl string
		want string
	}{
		{"您的机票预订成功！订单号：{order_id}", "您的机票预订成功！订单号：12345"},
		{"{city}出发，座位{order.seat}，票价{order.price}元", "北京出发，座位12A，票价880.5元"},
		{"已支付：{paid}", "已支付：true"},
		{"{ city }", "北京"},
		{"no placeholders", "no placeholders"},
		{"literal {中文} and {", "literal {中文} and {"},
	}
	for _, tt := range tests {
		t.Run(tt.tmpl, func(t *testing.T) {
			got, err := Render(tt.tmpl, vars)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRenderMissingKeyIsAnError(t *testing.T) {
	_, err := Render("订单号：{order_id}，{order.gate}", map[string]any{"order": map[string]any{}})
	require.ErrorIs(t, err, ErrMissingKey)
	assert.Contains(t, err.Error(), "order_id")
	assert.Contains(t, err.Error(), "order.gate")
}

func TestFieldsAndMissing(t *testing.T) {
	tmpl := "{a}{b.c}{a}"
	assert.Equal(t, []string{"a", "b.c"}, Fields(tmpl))
	assert.Equal(t, []string{"b.c"}, Missing(tmpl, map[string]any{"a": 1}))
}
