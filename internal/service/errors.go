package service

import "errors"

var (
	// ErrBuildInProgress indicates another index build holds the build lock.
	ErrBuildInProgress = errors.New("index build already in progress")
	// ErrSampleNotFound indicates the vision sample id is unknown.
	ErrSampleNotFound = errors.New("vision sample not found")
	// ErrAlreadyConfirmed indicates the sample's true SKU was recorded before.
	ErrAlreadyConfirmed = errors.New("vision sample already confirmed")
	// ErrNoSamples indicates the sample library holds no usable images.
	ErrNoSamples = errors.New("no sample images found")
	// ErrUnknownSKU indicates the SKU id does not exist in the catalog.
	ErrUnknownSKU = errors.New("unknown sku")
	// ErrNoEvaluationData indicates no confirmed samples exist to score.
	ErrNoEvaluationData = errors.New("no confirmed samples to evaluate")
)
