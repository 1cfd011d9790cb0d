package advisor

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/skalibog/altmap/pkg/models"
)

const systemPrompt = `You are a crypto futures analyst. You receive 1H, 4H and 1D indicator snapshots
for one pair that already passed anti-FOMO, exhaustion and multi-timeframe checks.
Propose at most one trade. Reply with a single JSON object and nothing else.
If there is no clean setup reply with {}.`

const replyFormat = `{
  "pair": "BTC/USDT",
  "direction": "long | short",
  "entry_1": 0,
  "entry_2": 0,
  "stop_loss": 0,
  "tp": [0, 0, 0],
  "strategy_type": "trend-follow | breakout anticipation | trap setup | technical bounce",
  "risk_level": "Low | Medium | High",
  "leverage": "x3",
  "confidence": 0,
  "key_watch": "",
  "assessment": ""
}`

// BuildPrompt renders the user prompt for one candidate.
func BuildPrompt(mtf *models.MultiTimeframeContext, suggestedTPs []float64) (string, error) {
	if mtf == nil {
		return "", fmt.Errorf("build prompt: nil context")
	}
	data, err := json.MarshalIndent(mtf, "", "  ")
	if err != nil {
		return "", fmt.Errorf("build prompt: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Analyze %s based on multi-timeframe data.\n", mtf.Pair)
	fmt.Fprintf(&b, "Current price: %s\n\n", strconv.FormatFloat(mtf.Price, 'f', -1, 64))
	b.Write(data)
	b.WriteString("\n\n")

	if mtf.ShortOnly {
		b.WriteString("The daily chart is in a persistent downtrend: only SHORT setups are allowed.\n")
	}
	if len(suggestedTPs) > 0 {
		tps := make([]string, len(suggestedTPs))
		for i, tp := range suggestedTPs {
			tps[i] = strconv.FormatFloat(tp, 'f', -1, 64)
		}
		fmt.Fprintf(&b, "Suggested take-profit levels from support/resistance: %s\n", strings.Join(tps, ", "))
	}
	b.WriteString("Entry must stay within 10% of the current price and reward:risk to the first target must be at least 1.2.\n")
	b.WriteString("Reply in this format:\n")
	b.WriteString(replyFormat)
	return b.String(), nil
}
