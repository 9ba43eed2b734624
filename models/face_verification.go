package models

// FaceMatchRequest is the body sent to the Regula /api/match endpoint.
type FaceMatchRequest struct {
	Images []FaceMatchImage `json:"images"`
}

type FaceMatchImage struct {
	Type  int    `json:"type"`
	Data  string `json:"data"` // Base64 encoded image
	Index int    `json:"index"`
}

type FaceMatchResponse struct {
	Similarity float64 `json:"similarity"` // 0-1 similarity score
	Matched    bool    `json:"matched"`    // Whether faces match based on threshold
}
