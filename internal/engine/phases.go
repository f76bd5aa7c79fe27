package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/whaletide/whaletide/internal/intel"
	"github.com/whaletide/whaletide/internal/model"
)

func noSignal() model.PhaseResult { return model.PhaseResult{} }

func (e *Engine) lookup(chain, addr string) (intel.Record, bool) {
	if addr == "" || addr == "unknown" {
		return intel.Record{}, false
	}
	return e.ais.Lookup(chain, addr)
}

// analyzeCEX handles exchange flows: deposits are sells, withdrawals are
// buys from the user's perspective.
func (e *Engine) analyzeCEX(_ context.Context, ev *model.ClassifiedEvent) (model.PhaseResult, error) {
	fromRec, fromOK := e.lookup(ev.Blockchain, ev.From)
	toRec, toOK := e.lookup(ev.Blockchain, ev.To)

	fromCEX := fromOK && fromRec.Category == intel.CategoryCEX
	toCEX := toOK && toRec.Category == intel.CategoryCEX

	switch {
	case fromCEX && toCEX:
		return model.PhaseResult{
			Classification: model.ClassTransfer,
			Confidence:     0.75,
			Evidence:       []string{fmt.Sprintf("CEX-to-CEX move: %s -> %s", fromRec.EntityName, toRec.EntityName)},
			WhaleSignals:   []string{"cex_internal"},
		}, nil
	case fromCEX:
		return model.PhaseResult{
			Classification: model.ClassBuy,
			Confidence:     0.85,
			Evidence:       []string{fmt.Sprintf("CEX withdrawal from %s (exchange -> user)", fromRec.EntityName)},
			WhaleSignals:   []string{"cex_flow"},
		}, nil
	case toCEX:
		return model.PhaseResult{
			Classification: model.ClassSell,
			Confidence:     0.85,
			Evidence:       []string{fmt.Sprintf("CEX deposit to %s (user -> exchange)", toRec.EntityName)},
			WhaleSignals:   []string{"cex_flow"},
		}, nil
	}
	return noSignal(), nil
}

// analyzeProtocol handles verified DeFi protocol interactions. A bridge on
// either side overrides everything to TRANSFER; otherwise the direction
// table maps router/pool/staking flows to the user's economic posture.
// Records that fail the corroboration check are ignored so a coincidental
// weak tag never misclassifies a user-to-user transfer.
func (e *Engine) analyzeProtocol(_ context.Context, ev *model.ClassifiedEvent) (model.PhaseResult, error) {
	fromRec, fromOK := e.lookup(ev.Blockchain, ev.From)
	toRec, toOK := e.lookup(ev.Blockchain, ev.To)

	fromVerified := fromOK && fromRec.Verified()
	toVerified := toOK && toRec.Verified()

	if (fromVerified && fromRec.Category == intel.CategoryBridge) ||
		(toVerified && toRec.Category == intel.CategoryBridge) {
		entity := fromRec.EntityName
		if toVerified && toRec.Category == intel.CategoryBridge {
			entity = toRec.EntityName
		}
		return model.PhaseResult{
			Classification: model.ClassTransfer,
			Confidence:     0.85,
			Evidence:       []string{fmt.Sprintf("bridge interaction via %s, cross-chain transfer", entity)},
			WhaleSignals:   []string{"bridge_flow", "verified_protocol"},
		}, nil
	}

	if toVerified {
		switch toRec.Category {
		case intel.CategoryDEXRouter, intel.CategoryDEXFactory:
			return protocolResult(model.ClassSell, fmt.Sprintf("DEX router inbound: user -> %s", toRec.EntityName)), nil
		case intel.CategoryLendingPool:
			return protocolResult(model.ClassBuy, fmt.Sprintf("lending supply: user -> %s", toRec.EntityName)), nil
		case intel.CategoryStakingContract:
			return protocolResult(model.ClassBuy, fmt.Sprintf("staking deposit: user -> %s", toRec.EntityName)), nil
		}
	}
	if fromVerified {
		switch fromRec.Category {
		case intel.CategoryDEXRouter, intel.CategoryDEXFactory:
			return protocolResult(model.ClassBuy, fmt.Sprintf("DEX router outbound: %s -> user", fromRec.EntityName)), nil
		case intel.CategoryLendingPool:
			return protocolResult(model.ClassSell, fmt.Sprintf("lending withdrawal: %s -> user", fromRec.EntityName)), nil
		case intel.CategoryStakingContract:
			return protocolResult(model.ClassSell, fmt.Sprintf("unstaking: %s -> user", fromRec.EntityName)), nil
		}
	}
	return noSignal(), nil
}

func protocolResult(class model.Classification, evidence string) model.PhaseResult {
	return model.PhaseResult{
		Classification: class,
		Confidence:     0.82,
		Evidence:       []string{evidence},
		WhaleSignals:   []string{"verified_protocol"},
	}
}

// analyzeStablecoinFlow reads the counter-asset hint adapters attach to
// swap legs. Paying stablecoins for a volatile token is accumulation;
// receiving stablecoins for it is distribution. Pure stablecoin transfers
// carry no directional meaning and yield no signal.
func (e *Engine) analyzeStablecoinFlow(_ context.Context, ev *model.ClassifiedEvent) (model.PhaseResult, error) {
	if e.stablecoins[strings.ToUpper(ev.Symbol)] {
		return noSignal(), nil
	}

	counter := strings.ToUpper(ev.Raw["counter_symbol"])
	if counter == "" || !e.stablecoins[counter] {
		return noSignal(), nil
	}

	switch ev.Raw["stable_direction"] {
	case "in":
		return model.PhaseResult{
			Classification: model.ClassBuy,
			Confidence:     0.60,
			Evidence:       []string{fmt.Sprintf("stablecoin flow: %s paid for %s", counter, ev.Symbol)},
		}, nil
	case "out":
		return model.PhaseResult{
			Classification: model.ClassSell,
			Confidence:     0.60,
			Evidence:       []string{fmt.Sprintf("stablecoin flow: %s received for %s", counter, ev.Symbol)},
		}, nil
	}
	return noSignal(), nil
}

// analyzeMarketRisk flags market makers and sanctioned mixers. Market-maker
// involvement carries no directional meaning but penalizes the whale score;
// mixer involvement forces a transfer label and a heavy penalty.
func (e *Engine) analyzeMarketRisk(_ context.Context, ev *model.ClassifiedEvent) (model.PhaseResult, error) {
	fromRec, fromOK := e.lookup(ev.Blockchain, ev.From)
	toRec, toOK := e.lookup(ev.Blockchain, ev.To)

	if (fromOK && fromRec.Category == intel.CategoryMixerSanctioned) ||
		(toOK && toRec.Category == intel.CategoryMixerSanctioned) {
		return model.PhaseResult{
			Classification: model.ClassTransfer,
			Confidence:     0.65,
			Evidence:       []string{"mixer or sanctioned entity involved"},
			WhaleSignals:   []string{"mixer_sanctioned"},
		}, nil
	}

	if (fromOK && fromRec.Category == intel.CategoryMarketMaker) ||
		(toOK && toRec.Category == intel.CategoryMarketMaker) {
		return model.PhaseResult{
			Evidence:     []string{"market maker counterparty, inventory flow"},
			WhaleSignals: []string{"market_maker"},
		}, nil
	}
	return noSignal(), nil
}

// analyzeChainHeuristics applies cheap chain-specific shape checks. It only
// runs when the structural phases were inconclusive, and its confidence is
// capped low enough that it can never short-circuit or beat real evidence.
func (e *Engine) analyzeChainHeuristics(_ context.Context, ev *model.ClassifiedEvent) (model.PhaseResult, error) {
	if ev.From == ev.To && ev.From != "" {
		return model.PhaseResult{
			Classification: model.ClassTransfer,
			Confidence:     0.45,
			Evidence:       []string{"self-transfer, same address on both sides"},
		}, nil
	}

	if strings.ToLower(ev.Blockchain) == "xrp" {
		if shape := xrpAddressShape(ev.To); shape == "likely_exchange" {
			return model.PhaseResult{
				Classification: model.ClassSell,
				Confidence:     0.40,
				Evidence:       []string{"XRP destination address shape suggests exchange deposit"},
			}, nil
		}
		if shape := xrpAddressShape(ev.From); shape == "likely_exchange" {
			return model.PhaseResult{
				Classification: model.ClassBuy,
				Confidence:     0.40,
				Evidence:       []string{"XRP source address shape suggests exchange withdrawal"},
			}, nil
		}
	}

	if ev.From == "" || ev.From == "unknown" {
		return model.PhaseResult{
			Classification: model.ClassTransfer,
			Confidence:     0.30,
			Evidence:       []string{"sender unknown, treating as transfer"},
		}, nil
	}

	return model.PhaseResult{
		Classification: model.ClassTransfer,
		Confidence:     0.30,
		Evidence:       []string{"user-to-user transfer, no venue involved"},
	}, nil
}

// xrpAddressShape guesses whether an XRP address belongs to an exchange.
// Exchange-operated accounts tend to use shorter addresses with a higher
// uppercase ratio than user wallets.
func xrpAddressShape(addr string) string {
	if !strings.HasPrefix(addr, "r") || len(addr) < 2 {
		return "unknown"
	}
	body := addr[1:]
	upper := 0
	for _, c := range body {
		if c >= 'A' && c <= 'Z' {
			upper++
		}
	}
	ratio := float64(upper) / float64(len(body))

	if len(addr) >= 25 && len(addr) <= 35 && ratio > 0.4 {
		return "likely_exchange"
	}
	if len(addr) > 30 && ratio < 0.3 {
		return "likely_user"
	}
	return "unknown"
}

// analyzeWalletBehavior inspects AIS tags and balances of both parties.
func (e *Engine) analyzeWalletBehavior(_ context.Context, ev *model.ClassifiedEvent) (model.PhaseResult, error) {
	fromRec, fromOK := e.lookup(ev.Blockchain, ev.From)
	toRec, toOK := e.lookup(ev.Blockchain, ev.To)
	if !fromOK && !toOK {
		return noSignal(), nil
	}

	var res model.PhaseResult
	for _, rec := range []struct {
		r  intel.Record
		ok bool
	}{{fromRec, fromOK}, {toRec, toOK}} {
		if !rec.ok {
			continue
		}
		if rec.r.HasTag("mega_whale") {
			res.WhaleSignals = appendUnique(res.WhaleSignals, "mega_whale_tag")
		} else if rec.r.HasTag("whale") || rec.r.Category == intel.CategoryWhale {
			res.WhaleSignals = appendUnique(res.WhaleSignals, "whale_tag")
		}
		if rec.r.HasTag("mev_bot") {
			res.WhaleSignals = appendUnique(res.WhaleSignals, "mev_bot")
		}
		if rec.r.BalanceUSD >= e.whale.WhaleUSD {
			res.WhaleSignals = appendUnique(res.WhaleSignals, "heavy_wallet")
		}
	}

	// A heavy wallet accumulating from an unlabelled sender leans buy-side,
	// but only weakly.
	if toOK && toRec.BalanceUSD >= e.whale.WhaleUSD && !fromOK {
		res.Classification = model.ClassBuy
		res.Confidence = 0.50
		res.Evidence = []string{fmt.Sprintf("accumulation by wallet holding $%.0f+", toRec.BalanceUSD)}
		return res, nil
	}
	if fromOK && fromRec.BalanceUSD >= e.whale.WhaleUSD && !toOK {
		res.Classification = model.ClassSell
		res.Confidence = 0.50
		res.Evidence = []string{fmt.Sprintf("distribution from wallet holding $%.0f+", fromRec.BalanceUSD)}
		return res, nil
	}

	if len(res.WhaleSignals) > 0 {
		res.Evidence = []string{"wallet behavior signals: " + strings.Join(res.WhaleSignals, ", ")}
	}
	return res, nil
}

// analyzeExternalEnrichment consults the external enrichment vendor for
// large trades the cheap phases could not resolve. Results are cached for
// 24h; vendor errors and timeouts skip the phase without failing the event.
func (e *Engine) analyzeExternalEnrichment(ctx context.Context, ev *model.ClassifiedEvent) (model.PhaseResult, error) {
	if e.enricher == nil {
		return noSignal(), nil
	}

	ctx, cancel := context.WithTimeout(ctx, e.externalTimeout)
	defer cancel()

	for _, addr := range []string{ev.To, ev.From} {
		if addr == "" || addr == "unknown" {
			continue
		}

		rec, cached := e.cache.Get(ctx, ev.Blockchain, addr)
		if !cached {
			var err error
			rec, err = e.enricher.Enrich(ctx, ev.Blockchain, addr)
			if err != nil {
				return noSignal(), fmt.Errorf("enrichment lookup for %s: %w", addr, err)
			}
			e.cache.Put(ctx, rec)
		}

		if rec.Category == "" || rec.Category == intel.CategoryEOAUnknown {
			continue
		}

		class := model.ClassTransfer
		switch rec.Category {
		case intel.CategoryCEX, intel.CategoryDEXRouter:
			if addr == ev.To {
				class = model.ClassSell
			} else {
				class = model.ClassBuy
			}
		case intel.CategoryWhale:
			if addr == ev.To {
				class = model.ClassBuy
			} else {
				class = model.ClassSell
			}
		}

		res := model.PhaseResult{
			Classification: class,
			Confidence:     0.60,
			Evidence:       []string{fmt.Sprintf("external enrichment: %s labelled %s (%s)", short(addr), rec.Category, rec.EntityName)},
		}
		if rec.Category == intel.CategoryWhale {
			res.WhaleSignals = []string{"enriched_whale"}
		}
		return res, nil
	}
	return noSignal(), nil
}

// analyzeWarehouseHistory runs the expensive historical profile query for
// whale-sized transactions that remain inconclusive after every other phase.
func (e *Engine) analyzeWarehouseHistory(ctx context.Context, ev *model.ClassifiedEvent) (model.PhaseResult, error) {
	if e.warehouse == nil {
		return noSignal(), nil
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	addr := ev.From
	if addr == "" || addr == "unknown" {
		addr = ev.To
	}
	if addr == "" || addr == "unknown" {
		return noSignal(), nil
	}

	profile, err := e.warehouse.Profile(ctx, ev.Blockchain, addr)
	if err != nil {
		return noSignal(), fmt.Errorf("warehouse profile for %s: %w", addr, err)
	}

	var res model.PhaseResult
	if profile.IsKnownWhale || profile.TotalUSD >= e.whale.MegaWhaleUSD {
		res.WhaleSignals = []string{"historical_mega_whale"}
	}

	switch {
	case profile.TxCount > 0 && profile.BuyRatio >= 0.65:
		res.Classification = model.ClassBuy
		res.Confidence = 0.55
		res.Evidence = []string{fmt.Sprintf("warehouse history: %s buys %.0f%% of the time", short(addr), profile.BuyRatio*100)}
	case profile.TxCount > 0 && profile.BuyRatio <= 0.35:
		res.Classification = model.ClassSell
		res.Confidence = 0.55
		res.Evidence = []string{fmt.Sprintf("warehouse history: %s sells %.0f%% of the time", short(addr), (1-profile.BuyRatio)*100)}
	default:
		if len(res.WhaleSignals) > 0 {
			res.Evidence = []string{fmt.Sprintf("warehouse history: %s is a known mega-whale", short(addr))}
		}
	}
	return res, nil
}

func short(addr string) string {
	if len(addr) <= 12 {
		return addr
	}
	return addr[:8] + "…" + addr[len(addr)-4:]
}
