package schema

import "github.com/ntupler/ntupler/pkg/types"

// DecayModeCatalog returns the catalog of the decay mode classification
// ntuple: jet kinematics plus charged, neutral and shot particle-flow objects
// and conversion tracks.
//
// The source attribute names are inconsistent across groups (pfo_neutral_X
// vs pfo_neutralX, conv_Phi vs pfo_chargedPhi); each output name appears
// exactly once.
func DecayModeCatalog() *Catalog {
	c := &Catalog{
		Name:      "decaymode",
		Version:   1,
		KeyColumn: "TauJets.mcEventNumber",
	}

	c.Candidates = append(c.Candidates,
		eventScalar("TauJets.mcEventNumber", "mcEventNumber", types.ElemUint64),
		eventScalar("TauJets.mcEventWeight", "mcEventWeight", types.ElemFloat32),
		scalar("TauJets.nTracks", "nTracks", types.ElemInt32),
		scalar("TauJets.pt", "pt", types.ElemFloat32),
		scalar("TauJets.eta", "eta", types.ElemFloat32),
		scalar("TauJets.phi", "phi", types.ElemFloat32),
		scalar("TauJets.BDTJetScore", "BDTJetScore", types.ElemFloat32),
	)
	c.Candidates = append(c.Candidates, truthCandidates()...)

	c.Candidates = append(c.Candidates,
		scalar("TauJets.mu", "mu", types.ElemFloat64),
		scalar("TauJets.nVtxPU", "nVtxPU", types.ElemInt32),
		scalar("TauJets.jet_Pt", "jet_Pt", types.ElemFloat32),
		scalar("TauJets.jet_Phi", "jet_Phi", types.ElemFloat32),
		scalar("TauJets.jet_Eta", "jet_Eta", types.ElemFloat32),
	)

	c.Candidates = append(c.Candidates, renamed("ChargedPFO", types.ElemFloat32,
		[2]string{"phi", "pfo_chargedPhi"},
		[2]string{"dphi", "pfo_chargedDPhi"},
		[2]string{"eta", "pfo_chargedEta"},
		[2]string{"deta", "pfo_chargedDEta"},
		[2]string{"pt", "pfo_chargedPt"},
		[2]string{"jetpt", "pfo_chargedJetPt"},
	)...)

	c.Candidates = append(c.Candidates, renamed("NeutralPFO", types.ElemFloat32,
		[2]string{"phi", "pfo_neutralPhi"},
		[2]string{"dphi", "pfo_neutralDPhi"},
		[2]string{"eta", "pfo_neutralEta"},
		[2]string{"deta", "pfo_neutralDEta"},
		[2]string{"pt", "pfo_neutralPt"},
		[2]string{"jetpt", "pfo_neutralJetPt"},
		[2]string{"pi0BDT", "pfo_neutralPi0BDT"},
		[2]string{"ptSubRatio", "pfo_neutralPtSubRatio"},
		[2]string{"nHitsInEM1", "pfo_neutralNHitsInEM1"},
		[2]string{"SECOND_R", "pfo_neutral_SECOND_R"},
		[2]string{"ENG_FRAC_CORE", "pfo_neutral_ENG_FRAC_CORE"},
		[2]string{"nPosECells_EM1", "pfo_neutral_NPosECells_EM1"},
		[2]string{"secondEtaWRTClusterPosition_EM1", "pfo_neutral_secondEtaWRTClusterPosition_EM1"},
		[2]string{"energyfrac_EM2", "pfo_neutral_energyfrac_EM2"},
	)...)

	c.Candidates = append(c.Candidates, renamed("ShotPFO", types.ElemFloat32,
		[2]string{"phi", "pfo_shotPhi"},
		[2]string{"dphi", "pfo_shotDPhi"},
		[2]string{"eta", "pfo_shotEta"},
		[2]string{"deta", "pfo_shotDEta"},
		[2]string{"pt", "pfo_shotPt"},
		[2]string{"jetpt", "pfo_shotJetPt"},
	)...)

	c.Candidates = append(c.Candidates, renamed("ConvTrack", types.ElemFloat32,
		[2]string{"phi", "conv_Phi"},
		[2]string{"dphi", "conv_DPhi"},
		[2]string{"eta", "conv_Eta"},
		[2]string{"deta", "conv_DEta"},
		[2]string{"pt", "conv_Pt"},
		[2]string{"jetpt", "conv_JetPt"},
	)...)

	return c
}
