package models

type Office struct {
	OfficeID       string `json:"office_id" yaml:"id"`
	Name           string `json:"name" yaml:"name"`
	Prefix         string `json:"prefix" yaml:"prefix"`
	OperatingHours string `json:"operating_hours,omitempty" yaml:"operating_hours"`
	TokenLimit     int    `json:"token_limit" yaml:"token_limit"`
	IsActive       bool   `json:"is_active" yaml:"is_active"`
}
