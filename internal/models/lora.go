package models

// Lora is one model entry returned by the LoRA manager extension.
type Lora struct {
	ModelName  string `json:"model_name"`
	FileName   string `json:"file_name"`
	BaseModel  string `json:"base_model"`
	PreviewURL string `json:"preview_url"`
}

// LoraListResponse is one page of GET /api/lm/loras/list.
type LoraListResponse struct {
	Items      []Lora `json:"items"`
	Page       int    `json:"page"`
	TotalPages int    `json:"total_pages"`
}

// LoraDownloadRequest is the body of POST /api/lm/download-model. Exactly one
// of ModelID / ModelVersionID is set; a version id takes priority when both
// could be derived from the source URL.
type LoraDownloadRequest struct {
	UseDefaultPaths bool  `json:"use_default_paths"`
	ModelID         int64 `json:"model_id,omitempty"`
	ModelVersionID  int64 `json:"model_version_id,omitempty"`
}
