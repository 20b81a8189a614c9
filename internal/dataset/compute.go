package dataset

// ============================================================================
// 統計計算（Computer）
// 職責：依 selector 對資料集執行聚合運算，結果交由 worker 序列化後持久化
//
// 所有運算只讀取 Dataset，不修改任何共享狀態，可被多個 worker 同時呼叫
// ============================================================================

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/ChuLiYu/statsrunner/pkg/types"
)

// 支援的 selector
const (
	SelectorStatesMean          types.Selector = "states_mean"
	SelectorStateMean           types.Selector = "state_mean"
	SelectorBest5               types.Selector = "best5"
	SelectorWorst5              types.Selector = "worst5"
	SelectorGlobalMean          types.Selector = "global_mean"
	SelectorDiffFromMean        types.Selector = "diff_from_mean"
	SelectorStateDiffFromMean   types.Selector = "state_diff_from_mean"
	SelectorMeanByCategory      types.Selector = "mean_by_category"
	SelectorStateMeanByCategory types.Selector = "state_mean_by_category"
)

// Selectors 回傳所有支援的 selector（HTTP 路由依此註冊）
func Selectors() []types.Selector {
	return []types.Selector{
		SelectorStatesMean,
		SelectorStateMean,
		SelectorBest5,
		SelectorWorst5,
		SelectorGlobalMean,
		SelectorDiffFromMean,
		SelectorStateDiffFromMean,
		SelectorMeanByCategory,
		SelectorStateMeanByCategory,
	}
}

// NeedsState 回傳該 selector 是否需要 payload 中的 "state"
func NeedsState(s types.Selector) bool {
	switch s {
	case SelectorStateMean, SelectorStateDiffFromMean, SelectorStateMeanByCategory:
		return true
	}
	return false
}

// 預定義錯誤
var (
	ErrUnknownSelector = errors.New("dataset: unknown selector")
	ErrMissingQuestion = errors.New("dataset: payload has no question")
	ErrMissingState    = errors.New("dataset: payload has no state")
	ErrNoData          = errors.New("dataset: no data for request")
)

const rankSize = 5

// Computer 對資料集執行聚合運算
type Computer struct {
	ds *Dataset
}

// NewComputer 建立 Computer
func NewComputer(ds *Dataset) *Computer {
	return &Computer{ds: ds}
}

// Compute 執行 selector 指定的運算
//
// 返回值可直接 json.Marshal：
//   - map[string]float64            各州平均、差值
//   - RankedMeans                   best5 / worst5（保留排名順序）
//   - map[string]map[string]float64 各州分類平均
func (c *Computer) Compute(ctx context.Context, payload types.Payload, selector types.Selector) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	question, err := stringField(payload, "question", ErrMissingQuestion)
	if err != nil {
		return nil, err
	}

	var state string
	if NeedsState(selector) {
		if state, err = stringField(payload, "state", ErrMissingState); err != nil {
			return nil, err
		}
	}

	switch selector {
	case SelectorStatesMean:
		return c.statesMean(question)
	case SelectorStateMean:
		return c.stateMean(question, state)
	case SelectorBest5:
		return c.ranked(question, true)
	case SelectorWorst5:
		return c.ranked(question, false)
	case SelectorGlobalMean:
		return c.globalMean(question)
	case SelectorDiffFromMean:
		return c.diffFromMean(question)
	case SelectorStateDiffFromMean:
		return c.stateDiffFromMean(question, state)
	case SelectorMeanByCategory:
		return c.meanByCategory(question)
	case SelectorStateMeanByCategory:
		return c.stateMeanByCategory(question, state)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownSelector, selector)
	}
}

func stringField(p types.Payload, key string, missing error) (string, error) {
	v, ok := p[key]
	if !ok {
		return "", missing
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", fmt.Errorf("%w: %q must be a non-empty string", missing, key)
	}
	return s, nil
}

// ============================================================================
// 聚合運算
// ============================================================================

type accumulator struct {
	sum   float64
	count int
}

func (a *accumulator) add(v float64) {
	a.sum += v
	a.count++
}

func (a accumulator) mean() float64 {
	return a.sum / float64(a.count)
}

func (c *Computer) rows(question string) ([]Row, error) {
	rows := c.ds.Rows(question)
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: question %q", ErrNoData, question)
	}
	return rows, nil
}

func (c *Computer) statesMean(question string) (map[string]float64, error) {
	rows, err := c.rows(question)
	if err != nil {
		return nil, err
	}

	acc := make(map[string]*accumulator)
	for _, r := range rows {
		a, ok := acc[r.State]
		if !ok {
			a = &accumulator{}
			acc[r.State] = a
		}
		a.add(r.Value)
	}

	out := make(map[string]float64, len(acc))
	for state, a := range acc {
		out[state] = a.mean()
	}
	return out, nil
}

func (c *Computer) stateMean(question, state string) (map[string]float64, error) {
	m, err := c.meanForState(question, state)
	if err != nil {
		return nil, err
	}
	return map[string]float64{state: m}, nil
}

func (c *Computer) meanForState(question, state string) (float64, error) {
	rows, err := c.rows(question)
	if err != nil {
		return 0, err
	}

	var a accumulator
	for _, r := range rows {
		if r.State == state {
			a.add(r.Value)
		}
	}
	if a.count == 0 {
		return 0, fmt.Errorf("%w: state %q for question %q", ErrNoData, state, question)
	}
	return a.mean(), nil
}

func (c *Computer) globalMeanValue(question string) (float64, error) {
	rows, err := c.rows(question)
	if err != nil {
		return 0, err
	}
	var a accumulator
	for _, r := range rows {
		a.add(r.Value)
	}
	return a.mean(), nil
}

func (c *Computer) globalMean(question string) (map[string]float64, error) {
	m, err := c.globalMeanValue(question)
	if err != nil {
		return nil, err
	}
	return map[string]float64{"global_mean": m}, nil
}

func (c *Computer) diffFromMean(question string) (map[string]float64, error) {
	global, err := c.globalMeanValue(question)
	if err != nil {
		return nil, err
	}
	means, err := c.statesMean(question)
	if err != nil {
		return nil, err
	}

	out := make(map[string]float64, len(means))
	for state, m := range means {
		out[state] = m - global
	}
	return out, nil
}

func (c *Computer) stateDiffFromMean(question, state string) (map[string]float64, error) {
	global, err := c.globalMeanValue(question)
	if err != nil {
		return nil, err
	}
	m, err := c.meanForState(question, state)
	if err != nil {
		return nil, err
	}
	return map[string]float64{state: m - global}, nil
}

// ranked 依題目方向排序各州平均，取前 rankSize 名
//
// best=true  取最好的五州（由好到差）
// best=false 取最差的五州（由差到好）
func (c *Computer) ranked(question string, best bool) (RankedMeans, error) {
	means, err := c.statesMean(question)
	if err != nil {
		return nil, err
	}

	ranked := make(RankedMeans, 0, len(means))
	for state, m := range means {
		ranked = append(ranked, StateMean{State: state, Mean: m})
	}

	ascending := DirectionOf(question) == LowerIsBetter
	if !best {
		ascending = !ascending
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Mean != ranked[j].Mean {
			if ascending {
				return ranked[i].Mean < ranked[j].Mean
			}
			return ranked[i].Mean > ranked[j].Mean
		}
		return ranked[i].State < ranked[j].State
	})

	if len(ranked) > rankSize {
		ranked = ranked[:rankSize]
	}
	return ranked, nil
}

func categoryKey(parts ...string) string {
	var b bytes.Buffer
	b.WriteByte('(')
	for i, p := range parts {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('\'')
		b.WriteString(p)
		b.WriteByte('\'')
	}
	b.WriteByte(')')
	return b.String()
}

func (c *Computer) meanByCategory(question string) (map[string]float64, error) {
	rows, err := c.rows(question)
	if err != nil {
		return nil, err
	}

	acc := make(map[string]*accumulator)
	for _, r := range rows {
		if r.Category == "" || r.Segment == "" {
			continue
		}
		key := categoryKey(r.State, r.Category, r.Segment)
		a, ok := acc[key]
		if !ok {
			a = &accumulator{}
			acc[key] = a
		}
		a.add(r.Value)
	}
	if len(acc) == 0 {
		return nil, fmt.Errorf("%w: no stratified rows for question %q", ErrNoData, question)
	}

	out := make(map[string]float64, len(acc))
	for k, a := range acc {
		out[k] = a.mean()
	}
	return out, nil
}

func (c *Computer) stateMeanByCategory(question, state string) (map[string]map[string]float64, error) {
	rows, err := c.rows(question)
	if err != nil {
		return nil, err
	}

	acc := make(map[string]*accumulator)
	for _, r := range rows {
		if r.State != state || r.Category == "" || r.Segment == "" {
			continue
		}
		key := categoryKey(r.Category, r.Segment)
		a, ok := acc[key]
		if !ok {
			a = &accumulator{}
			acc[key] = a
		}
		a.add(r.Value)
	}
	if len(acc) == 0 {
		return nil, fmt.Errorf("%w: state %q for question %q", ErrNoData, state, question)
	}

	inner := make(map[string]float64, len(acc))
	for k, a := range acc {
		inner[k] = a.mean()
	}
	return map[string]map[string]float64{state: inner}, nil
}

// ============================================================================
// 有序輸出
// ============================================================================

// StateMean 單一州的平均值
type StateMean struct {
	State string
	Mean  float64
}

// RankedMeans 依排名排序的各州平均值，序列化成保留順序的 JSON 物件
type RankedMeans []StateMean

// MarshalJSON 輸出 {"State": mean, ...}，鍵的順序即排名
func (r RankedMeans) MarshalJSON() ([]byte, error) {
	var b bytes.Buffer
	b.WriteByte('{')
	for i, sm := range r {
		if i > 0 {
			b.WriteByte(',')
		}
		key, err := json.Marshal(sm.State)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(sm.Mean)
		if err != nil {
			return nil, err
		}
		b.Write(key)
		b.WriteByte(':')
		b.Write(val)
	}
	b.WriteByte('}')
	return b.Bytes(), nil
}
