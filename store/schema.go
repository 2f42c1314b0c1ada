package store

// Schema is the contract the detections table at the store must satisfy.
// The core never runs DDL; this is published (marketscan schema) so an
// operator standing up a new store can apply it verbatim and so drift is
// reviewable next to the adapter that depends on it.
const Schema = `
CREATE TABLE IF NOT EXISTS detections (
    id                    BIGSERIAL PRIMARY KEY,
    evidence_id           TEXT NOT NULL,
    observed_at           TIMESTAMPTZ NOT NULL,
    platform              TEXT NOT NULL,
    listing_url           TEXT NOT NULL,
    listing_title         TEXT,
    listing_description   TEXT,
    listing_price         TEXT,
    listing_location      TEXT,
    search_term           TEXT,
    threat_score          INT CHECK (threat_score BETWEEN 0 AND 100),
    threat_level          TEXT CHECK (threat_level IN ('SAFE','LOW','MEDIUM','HIGH','CRITICAL')),
    threat_category       TEXT CHECK (threat_category IN ('WILDLIFE','HUMAN_TRAFFICKING','BOTH','SAFE')),
    requires_human_review BOOL NOT NULL DEFAULT false,
    confidence_score      REAL,
    enhancement_notes     TEXT,
    vision_analyzed       BOOL NOT NULL DEFAULT false,
    backfill              BOOL NOT NULL DEFAULT false,

    CONSTRAINT detections_listing_url_key UNIQUE (listing_url)
);

CREATE INDEX IF NOT EXISTS detections_platform_observed_idx
    ON detections (platform, observed_at DESC);
CREATE INDEX IF NOT EXISTS detections_level_observed_idx
    ON detections (threat_level, observed_at DESC);
`
