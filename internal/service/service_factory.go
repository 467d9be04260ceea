package service

import (
	"abuse-control/internal/audit"
	"abuse-control/internal/bucketing"
	"abuse-control/internal/config"
	"abuse-control/internal/delivery"
	"abuse-control/internal/encryption"
	"abuse-control/internal/hashing"
	"abuse-control/internal/model"
)

// ServiceFactory creates and manages service instances
type ServiceFactory struct {
	attemptRepo   model.AttemptRepository
	otpRepo       model.OTPRepository
	blacklistRepo model.BlacklistRepository
	deviceRepo    model.DeviceRepository

	attemptCache   model.AttemptCache
	otpCache       model.OTPCache
	blacklistCache model.BlacklistCache

	hasher        *hashing.Hasher
	encryptionMgr *encryption.Manager
	bucketingMgr  *bucketing.BucketingManager
	messenger     delivery.Messenger
	auditRecorder *audit.Recorder
	cfg           *config.Config

	validatorService *ValidatorService
	attemptService   *AttemptService
	otpService       *OTPService
	facade           *AbuseControlFacade
}

func NewServiceFactory(
	attemptRepo model.AttemptRepository,
	otpRepo model.OTPRepository,
	blacklistRepo model.BlacklistRepository,
	deviceRepo model.DeviceRepository,
	attemptCache model.AttemptCache,
	otpCache model.OTPCache,
	blacklistCache model.BlacklistCache,
	hasher *hashing.Hasher,
	encryptionMgr *encryption.Manager,
	bucketingMgr *bucketing.BucketingManager,
	messenger delivery.Messenger,
	auditRecorder *audit.Recorder,
	cfg *config.Config,
) *ServiceFactory {
	return &ServiceFactory{
		attemptRepo:    attemptRepo,
		otpRepo:        otpRepo,
		blacklistRepo:  blacklistRepo,
		deviceRepo:     deviceRepo,
		attemptCache:   attemptCache,
		otpCache:       otpCache,
		blacklistCache: blacklistCache,
		hasher:         hasher,
		encryptionMgr:  encryptionMgr,
		bucketingMgr:   bucketingMgr,
		messenger:      messenger,
		auditRecorder:  auditRecorder,
		cfg:            cfg,
	}
}

// ValidatorService returns the identity validator (singleton)
func (f *ServiceFactory) ValidatorService() *ValidatorService {
	if f.validatorService == nil {
		f.validatorService = NewValidatorService(f.blacklistRepo, f.blacklistCache, f.auditRecorder)
	}
	return f.validatorService
}

// AttemptService returns the counter/lockout service (singleton)
func (f *ServiceFactory) AttemptService() *AttemptService {
	if f.attemptService == nil {
		f.attemptService = NewAttemptService(f.attemptRepo, f.attemptCache, f.auditRecorder, f.cfg)
	}
	return f.attemptService
}

// OTPService returns the OTP engine (singleton)
func (f *ServiceFactory) OTPService() *OTPService {
	if f.otpService == nil {
		f.otpService = NewOTPService(
			f.otpRepo,
			f.deviceRepo,
			f.otpCache,
			f.hasher,
			f.encryptionMgr,
			f.bucketingMgr,
			f.messenger,
			f.auditRecorder,
			f.cfg,
		)
	}
	return f.otpService
}

// Facade returns the abuse-control facade (singleton)
func (f *ServiceFactory) Facade() *AbuseControlFacade {
	if f.facade == nil {
		f.facade = NewAbuseControlFacade(f.ValidatorService(), f.AttemptService(), f.OTPService())
	}
	return f.facade
}
