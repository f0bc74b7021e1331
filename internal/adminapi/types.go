package adminapi

type ContractRequest struct {
	Address string `json:"address"`
}

type AddressResponse struct {
	Address string `json:"address"`
}

type StateResponse struct {
	Network         string `json:"network"`
	KeyName         string `json:"key_name"`
	WatchedContract string `json:"watched_contract,omitempty"`
	DerivedAddress  string `json:"derived_address,omitempty"`
	BlockCursor     uint64 `json:"block_cursor"`
	Nonce           uint64 `json:"nonce"`
}

type SyncResponse struct {
	CycleID      string `json:"cycle_id"`
	NoContract   bool   `json:"no_contract,omitempty"`
	FromBlock    uint64 `json:"from_block,omitempty"`
	CursorBefore uint64 `json:"cursor_before"`
	CursorAfter  uint64 `json:"cursor_after"`
	Logs         int    `json:"logs"`
	Removed      int    `json:"removed,omitempty"`
	Submitted    int    `json:"submitted"`
	Rejected     int    `json:"rejected"`
	Failed       int    `json:"failed"`
}

type errorResponse struct {
	Error string `json:"error"`
}
