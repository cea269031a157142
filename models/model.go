// Package models - model families, roles and output class sets.
package models

// ModelFamily identifies the label set a model's outputs index into.
type ModelFamily string

const (
	// ModelFamilyCOCO is the 80 COCO classes + background.
	ModelFamilyCOCO ModelFamily = "coco"
	// ModelFamilyYOLO is the 80 COCO classes, no background.
	ModelFamilyYOLO ModelFamily = "yolo"
	// ModelFamilySpecies is the breed classifier label set.
	ModelFamilySpecies ModelFamily = "species"
	// ModelFamilyNoseFeatures is the nose attribute label set.
	ModelFamilyNoseFeatures ModelFamily = "nose_features"
	// ModelFamilyCustom is a label set supplied in configuration.
	ModelFamilyCustom ModelFamily = "custom"
)

// Role is what a model does in the identification pipeline.
type Role string

const (
	// RoleDetector finds subjects in a full image.
	RoleDetector Role = "detector"
	// RoleEmbedder turns a nose crop into a feature vector.
	RoleEmbedder Role = "embedder"
	// RoleComparator scores a pair of nose crops.
	RoleComparator Role = "comparator"
	// RoleSpecies classifies breed.
	RoleSpecies Role = "species"
	// RoleNoseFeatures tags nose attributes.
	RoleNoseFeatures Role = "nose_features"
)
