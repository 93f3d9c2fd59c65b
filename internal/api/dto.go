package api

type SessionResponse struct {
	ID       string `json:"id"`
	Object   string `json:"object"`
	Created  int64  `json:"created"`
	Version  string `json:"model_version"`
	Layers   int    `json:"layers"`
	Consumed int    `json:"tokens_consumed"`
}

type ForwardRequest struct {
	Tokens     []int `json:"tokens"`
	FullOutput bool  `json:"full_output,omitempty"`
}

// ForwardResponse carries one logits row per returned position: the last
// token, or every token when full output was requested.
type ForwardResponse struct {
	ID       string      `json:"id"`
	Object   string      `json:"object"`
	Consumed int         `json:"tokens_consumed"`
	Logits   [][]float32 `json:"logits"`
	Argmax   []int       `json:"argmax"`
}

type DeleteResponse struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Deleted bool   `json:"deleted"`
}

type PlanLayer struct {
	Index      int    `json:"index"`
	Device     string `json:"device"`
	ActType    string `json:"act_type"`
	WeightType string `json:"weight_type"`
	QuantBits  int    `json:"quant_bits,omitempty"`
	Stream     bool   `json:"stream"`
	Head       bool   `json:"head,omitempty"`
}

type PlanResponse struct {
	Strategy string      `json:"strategy"`
	Summary  []string    `json:"summary"`
	Layers   []PlanLayer `json:"layers"`
}

type ErrorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}
