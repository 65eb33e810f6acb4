package schema

import "github.com/ntupler/ntupler/pkg/types"

// TauIDCatalog returns the catalog of the tau identification ntuple: jet
// level ID variables plus per-jet track and cluster arrays.
func TauIDCatalog() *Catalog {
	c := &Catalog{
		Name:      "tauid",
		Version:   1,
		KeyColumn: "TauJets.mcEventNumber",
	}

	c.Candidates = append(c.Candidates,
		eventScalar("TauJets.mcEventNumber", "mcEventNumber", types.ElemUint64),
		scalar("TauJets.nTracks", "nTracks", types.ElemInt32),
		scalar("TauJets.pt", "pt", types.ElemFloat32),
		scalar("TauJets.eta", "eta", types.ElemFloat32),
		scalar("TauJets.phi", "phi", types.ElemFloat32),
		scalar("TauJets.ptJetSeed", "trk_ptJetSeed", types.ElemFloat32),
		scalar("TauJets.etaJetSeed", "trk_etaJetSeed", types.ElemFloat32),
		scalar("TauJets.phiJetSeed", "trk_phiJetSeed", types.ElemFloat32),
		scalar("TauJets.BDTJetScore", "BDTJetScore", types.ElemFloat32),

		scalar("TauJets.RNNJetScore", "RNNJetScore", types.ElemFloat32, FlagRNNScore),
	)
	c.Candidates = append(c.Candidates, truthCandidates()...)

	c.Candidates = append(c.Candidates,
		scalar("TauJets.mu", "mu", types.ElemFloat64),
		scalar("TauJets.nVtxPU", "nVtxPU", types.ElemInt32),
		scalar("TauJets.centFrac", "centFrac", types.ElemFloat32),
		scalar("TauJets.EMPOverTrkSysP", "EMPOverTrkSysP", types.ElemFloat32),
		scalar("TauJets.innerTrkAvgDist", "innerTrkAvgDist", types.ElemFloat32),
		scalar("TauJets.ptRatioEflowApprox", "ptRatioEflowApprox", types.ElemFloat32),
		scalar("TauJets.dRmax", "dRmax", types.ElemFloat32),
		scalar("TauJets.trFlightPathSig", "trFlightPathSig", types.ElemFloat32),
		scalar("TauJets.mEflowApprox", "mEflowApprox", types.ElemFloat32),
		scalar("TauJets.SumPtTrkFrac", "SumPtTrkFrac", types.ElemFloat32),
		absScalar("TauJets.absipSigLeadTrk", "ipSigLeadTrk", types.ElemFloat32),
		scalar("TauJets.massTrkSys", "massTrkSys", types.ElemFloat32),
		scalar("TauJets.etOverPtLeadTrk", "etOverPtLeadTrk", types.ElemFloat32),
		scalar("TauJets.ptIntermediateAxis", "ptIntermediateAxis", types.ElemFloat32),
	)

	c.Candidates = append(c.Candidates, group("TauTracks", "trk_", types.ElemFloat32,
		"pt", "eta", "phi", "dEta", "dPhi", "z0sinThetaTJVA", "d0")...)
	c.Candidates = append(c.Candidates, group("TauTracks", "trk_", types.ElemUint8,
		"nInnermostPixelHits", "nPixelHits", "nSCTHits", "isLoose", "passVertexCut")...)

	c.Candidates = append(c.Candidates, group("TauClusters", "cls_", types.ElemFloat32,
		"e", "et", "eta", "phi", "dEta", "dPhi", "SECOND_R", "SECOND_LAMBDA", "CENTER_LAMBDA")...)

	return c
}

// truthCandidates are the simulation truth columns shared by every catalog.
func truthCandidates() []Candidate {
	return []Candidate{
		scalar("TauJets.truthProng", "truthProng", types.ElemUint64, FlagTruth),
		scalar("TauJets.truthEtaVis", "truthEtaVis", types.ElemFloat64, FlagTruth),
		scalar("TauJets.truthPtVis", "truthPtVis", types.ElemFloat64, FlagTruth),
		scalar("TauJets.IsTruthMatched", "IsTruthMatched", types.ElemChar, FlagTruth),
		scalar("TauJets.truthDecayMode", "truthDecayMode", types.ElemUint64, FlagTruth),
	}
}
