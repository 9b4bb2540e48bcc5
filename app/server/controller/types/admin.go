package types

// LoginRequest contains credentials for admin authentication
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// UpdateHeadRequest overwrites an account checkpoint. NeedScan defaults to true.
type UpdateHeadRequest struct {
	Address  string `json:"address"`
	Head     int64  `json:"head"`
	Hash     string `json:"hash"`
	NeedScan *bool  `json:"need_scan,omitempty"`
}

type UpdateCreatedRequest struct {
	Address string `json:"address"`
	Head    int64  `json:"head"`
	Hash    string `json:"hash"`
}
