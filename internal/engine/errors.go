package engine

import "errors"

var (
	// ErrMissingCampaignID is returned when a request names no campaign
	ErrMissingCampaignID = errors.New("campaign id is required")

	// ErrInvalidGraph is returned when a graph submitted with validation enabled is not a DAG
	ErrInvalidGraph = errors.New("graph definition failed validation")

	// ErrClosed is returned after the engine has been closed
	ErrClosed = errors.New("engine is closed")
)
