package transform

import (
	"math"

	"github.com/shopspring/decimal"

	"brokersync/internal/models"
)

// DiversityReport describes how concentrated a set of positions is.
type DiversityReport struct {
	// Weights is the percentage weight (0-100) of each symbol by market
	// value.
	Weights map[string]float64 `json:"weights"`
	// AssetAllocation is the percentage weight per asset type.
	AssetAllocation map[models.AssetType]float64 `json:"asset_allocation"`
	// ConcentrationIndex is a Herfindahl-style index over the percentage
	// weights: the sum of squared weights. A single 100% position scores
	// 10000; perfectly even N positions score 10000/N.
	ConcentrationIndex float64 `json:"concentration_index"`
	// DiversityScore is max(0, 100 - ConcentrationIndex/100).
	DiversityScore float64 `json:"diversity_score"`
}

// CalculatePortfolioDiversity computes per-position weights, asset-type
// allocation, and a concentration-based diversity score.
func CalculatePortfolioDiversity(positions []models.Position) DiversityReport {
	report := DiversityReport{
		Weights:         make(map[string]float64),
		AssetAllocation: make(map[models.AssetType]float64),
	}

	var total float64
	for _, pos := range positions {
		total += pos.MarketValue
	}
	if total <= 0 {
		return report
	}

	for _, pos := range positions {
		weight := pos.MarketValue / total * 100
		report.Weights[pos.Symbol] += weight
		report.AssetAllocation[pos.AssetType] += weight
	}

	for _, weight := range report.Weights {
		report.ConcentrationIndex += weight * weight
	}

	report.DiversityScore = math.Max(0, 100-report.ConcentrationIndex/100)
	return report
}

// CostEstimate is a deterministic trading cost projection.
type CostEstimate struct {
	Commission     float64 `json:"commission"`
	RegulatoryFees float64 `json:"regulatory_fees"`
	Total          float64 `json:"total"`
}

// Fee schedule by asset type. Commission is per contract/bond where
// applicable; regulatory fees are notional-based for equities.
var (
	optionCommissionPerContract = decimal.NewFromFloat(0.65)
	optionFeePerContract        = decimal.NewFromFloat(0.055)
	equityRegulatoryFeeRate     = decimal.NewFromFloat(0.0000229) // per dollar of notional
	bondCommissionPerBond       = decimal.NewFromFloat(1.00)
)

// EstimateTradingCosts returns the estimated cost of executing a trade of
// the given size. No network, no state.
func EstimateTradingCosts(assetType models.AssetType, quantity, price float64) CostEstimate {
	qty := decimal.NewFromFloat(math.Abs(quantity))
	notional := qty.Mul(decimal.NewFromFloat(price))

	var commission, fees decimal.Decimal

	switch assetType {
	case models.AssetEquity, models.AssetCollective:
		// Zero-commission equities; SEC-style fee on notional.
		fees = notional.Mul(equityRegulatoryFeeRate).Round(2)
	case models.AssetOption:
		commission = qty.Mul(optionCommissionPerContract).Round(2)
		fees = qty.Mul(optionFeePerContract).Round(2)
	case models.AssetFixedIncome:
		commission = qty.Mul(bondCommissionPerBond).Round(2)
	default:
		// Mutual funds, cash equivalents, currency: no estimated costs.
	}

	total := commission.Add(fees)

	commissionF, _ := commission.Float64()
	feesF, _ := fees.Float64()
	totalF, _ := total.Float64()

	return CostEstimate{
		Commission:     commissionF,
		RegulatoryFees: feesF,
		Total:          totalF,
	}
}
